package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixelmint/genroute/internal/types"
)

// Log is the append-only event store every component writes to and the
// metrics aggregator reads from. Appends from concurrent writers are safe;
// no ordering is guaranteed across writers.
type Log interface {
	Append(ctx context.Context, event types.Event) error
	// Query returns events of the given type with occurred_at >= since.
	// A zero until means "no upper bound".
	Query(ctx context.Context, t types.EventType, since, until time.Time) ([]types.Event, error)
}

// New builds an event with a fresh ID and timestamp.
func New(subjectID string, payload types.EventPayload) types.Event {
	return types.Event{
		ID:         uuid.NewString(),
		Type:       payload.EventType(),
		SubjectID:  subjectID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// MemoryLog is an in-memory Log used in tests and simulator-only deployments.
type MemoryLog struct {
	mu     sync.RWMutex
	events []types.Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, event types.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryLog) Query(ctx context.Context, t types.EventType, since, until time.Time) ([]types.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.Event
	for _, e := range l.events {
		if e.Type != t {
			continue
		}
		if e.OccurredAt.Before(since) {
			continue
		}
		if !until.IsZero() && e.OccurredAt.After(until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len reports the total number of stored events.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
