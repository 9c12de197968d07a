package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/types"
)

func TestMemoryLog_AppendAndQuery(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := log.Append(ctx, New("job-1", types.RouteAttemptPayload{})); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	log.Append(ctx, New("job-1", types.RouteOutcomePayload{Provider: "fal"}))

	attempts, err := log.Query(ctx, types.EventRouteAttempt, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("Expected 3 attempt events, got %d", len(attempts))
	}

	outcomes, err := log.Query(ctx, types.EventRouteOutcome, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome event, got %d", len(outcomes))
	}
	payload, ok := outcomes[0].Payload.(types.RouteOutcomePayload)
	if !ok {
		t.Fatalf("Unexpected payload type %T", outcomes[0].Payload)
	}
	if payload.Provider != "fal" {
		t.Errorf("Expected provider fal, got %s", payload.Provider)
	}
}

func TestMemoryLog_QueryWindow(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	old := New("job-old", types.RouteAttemptPayload{})
	old.OccurredAt = time.Now().UTC().Add(-time.Hour)
	log.Append(ctx, old)
	log.Append(ctx, New("job-new", types.RouteAttemptPayload{}))

	since := time.Now().UTC().Add(-time.Minute)
	events, err := log.Query(ctx, types.EventRouteAttempt, since, time.Time{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event inside window, got %d", len(events))
	}
	if events[0].SubjectID != "job-new" {
		t.Errorf("Expected job-new, got %s", events[0].SubjectID)
	}
}

func TestNew_PopulatesEvent(t *testing.T) {
	e := New("subject", types.RouteAttemptPayload{Template: "portrait"})
	if e.ID == "" {
		t.Error("Event ID should be set")
	}
	if e.Type != types.EventRouteAttempt {
		t.Errorf("Expected type %s, got %s", types.EventRouteAttempt, e.Type)
	}
	if e.SubjectID != "subject" {
		t.Errorf("Expected subject, got %s", e.SubjectID)
	}
	if e.OccurredAt.IsZero() {
		t.Error("OccurredAt should be set")
	}
}

func TestBestEffort_DrainsOnClose(t *testing.T) {
	base := NewMemoryLog()
	be := NewBestEffort(base, 64, logrus.New())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := be.Append(ctx, New("job", types.RouteOutcomePayload{Provider: "fal"})); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}
	be.Close()

	if got := base.Len(); got != 20 {
		t.Errorf("Expected 20 events after drain, got %d", got)
	}
	if be.Dropped() != 0 {
		t.Errorf("Expected no drops, got %d", be.Dropped())
	}
}

func TestBestEffort_QueryPassesThrough(t *testing.T) {
	base := NewMemoryLog()
	be := NewBestEffort(base, 8, logrus.New())
	defer be.Close()

	base.Append(context.Background(), New("job", types.RouteAttemptPayload{}))
	events, err := be.Query(context.Background(), types.EventRouteAttempt, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(events))
	}
}

// failingLog rejects every append, to exercise the retry-then-drop path.
type failingLog struct {
	mu    sync.Mutex
	calls int
}

func (l *failingLog) Append(ctx context.Context, event types.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return errors.New("storage down")
}

func (l *failingLog) Query(ctx context.Context, t types.EventType, since, until time.Time) ([]types.Event, error) {
	return nil, nil
}

func TestBestEffort_CountsDropsOnPersistentFailure(t *testing.T) {
	base := &failingLog{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	be := NewBestEffort(base, 8, logger)

	be.Append(context.Background(), New("job", types.RouteAttemptPayload{}))
	be.Close()

	if be.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", be.Dropped())
	}
	base.mu.Lock()
	defer base.mu.Unlock()
	if base.calls < 2 {
		t.Errorf("Expected retries before dropping, got %d calls", base.calls)
	}
}

func TestSQLiteLog_AppendAndDecode(t *testing.T) {
	log, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}

	appended := New("job-1", types.RouteOutcomePayload{
		Provider:  "fal",
		Attempts:  1,
		LatencyMs: 120,
	})
	if err := log.Append(context.Background(), appended); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events, err := log.Query(context.Background(), types.EventRouteOutcome, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	payload, ok := events[0].Payload.(types.RouteOutcomePayload)
	if !ok {
		t.Fatalf("Payload not decoded into its variant: %T", events[0].Payload)
	}
	if payload.Provider != "fal" || payload.LatencyMs != 120 {
		t.Errorf("Payload round trip wrong: %+v", payload)
	}
	if events[0].ID != appended.ID {
		t.Errorf("ID = %q, want %q", events[0].ID, appended.ID)
	}
}
