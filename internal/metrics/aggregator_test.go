package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func appendRoute(t *testing.T, log *eventlog.MemoryLog, latencyMs int64, cost float64, failed bool) {
	t.Helper()
	ctx := context.Background()
	if err := log.Append(ctx, eventlog.New("job", types.RouteAttemptPayload{})); err != nil {
		t.Fatalf("Append attempt failed: %v", err)
	}
	outcome := types.RouteOutcomePayload{Provider: "fal", Attempts: 1, LatencyMs: latencyMs, Cost: cost}
	if failed {
		outcome.Error = "generation failed"
	}
	if err := log.Append(ctx, eventlog.New("job", outcome)); err != nil {
		t.Fatalf("Append outcome failed: %v", err)
	}
}

func TestCompute_EmptyWindowHasNilStatistics(t *testing.T) {
	agg := NewAggregator(eventlog.NewMemoryLog(), testLogger())

	m, err := agg.Compute(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if m.FailureRatePct != nil {
		t.Errorf("Failure rate should be nil with no samples, got %v", *m.FailureRatePct)
	}
	if m.P95LatencyMs != nil {
		t.Errorf("p95 should be nil with no samples, got %v", *m.P95LatencyMs)
	}
	if m.CostPerUnit != nil {
		t.Errorf("Cost should be nil with no samples, got %v", *m.CostPerUnit)
	}
	if m.StartSamples != 0 || m.OutcomeSamples != 0 {
		t.Errorf("Sample counts should be zero: %+v", m)
	}
}

func TestCompute_FailureRateUsesStartsAsDenominator(t *testing.T) {
	log := eventlog.NewMemoryLog()
	for i := 0; i < 100; i++ {
		appendRoute(t, log, 200, 0.05, i < 3)
	}
	agg := NewAggregator(log, testLogger())

	m, err := agg.Compute(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if m.FailureRatePct == nil {
		t.Fatal("Failure rate should be defined")
	}
	if *m.FailureRatePct != 3.0 {
		t.Errorf("Expected 3%% failure rate, got %.2f", *m.FailureRatePct)
	}
	if m.StartSamples != 100 {
		t.Errorf("Expected 100 starts, got %d", m.StartSamples)
	}
}

func TestCompute_P95Latency(t *testing.T) {
	log := eventlog.NewMemoryLog()
	// Latencies 1..100ms; the floor(100*0.95)=95th index of the sorted
	// slice is 96ms.
	for i := 1; i <= 100; i++ {
		appendRoute(t, log, int64(i), 0, false)
	}
	agg := NewAggregator(log, testLogger())

	m, err := agg.Compute(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if m.P95LatencyMs == nil {
		t.Fatal("p95 should be defined")
	}
	if *m.P95LatencyMs != 96 {
		t.Errorf("Expected p95 of 96ms, got %.0f", *m.P95LatencyMs)
	}
}

func TestCompute_CostIsMeanOfCostedOutcomes(t *testing.T) {
	log := eventlog.NewMemoryLog()
	appendRoute(t, log, 100, 0.10, false)
	appendRoute(t, log, 100, 0.30, false)
	appendRoute(t, log, 100, 0, false) // free simulator run, excluded
	agg := NewAggregator(log, testLogger())

	m, err := agg.Compute(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if m.CostPerUnit == nil {
		t.Fatal("Cost should be defined")
	}
	if *m.CostPerUnit != 0.20 {
		t.Errorf("Expected mean cost 0.20, got %.4f", *m.CostPerUnit)
	}
}

func TestCompute_WindowExcludesOldEvents(t *testing.T) {
	log := eventlog.NewMemoryLog()
	ctx := context.Background()

	old := eventlog.New("job-old", types.RouteAttemptPayload{})
	old.OccurredAt = time.Now().UTC().Add(-time.Hour)
	log.Append(ctx, old)
	appendRoute(t, log, 100, 0.05, false)

	agg := NewAggregator(log, testLogger())
	m, err := agg.Compute(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if m.StartSamples != 1 {
		t.Errorf("Expected 1 start inside window, got %d", m.StartSamples)
	}
}

func TestThresholds_Breaches(t *testing.T) {
	th := DefaultThresholds()

	rate := 3.0
	latency := 9000.0
	cost := 0.50
	m := &types.RollingMetrics{
		FailureRatePct: &rate,
		P95LatencyMs:   &latency,
		CostPerUnit:    &cost,
	}
	breaches := th.Breaches(m)
	if len(breaches) != 3 {
		t.Errorf("Expected 3 breaches, got %d: %v", len(breaches), breaches)
	}
}

func TestThresholds_NilStatisticsNeverBreach(t *testing.T) {
	th := DefaultThresholds()
	if breaches := th.Breaches(&types.RollingMetrics{}); len(breaches) != 0 {
		t.Errorf("Nil statistics must not breach, got %v", breaches)
	}
}

func TestThresholds_AtLimitDoesNotBreach(t *testing.T) {
	th := DefaultThresholds()
	rate := 2.0
	m := &types.RollingMetrics{FailureRatePct: &rate}
	if breaches := th.Breaches(m); len(breaches) != 0 {
		t.Errorf("Exactly at the limit is not a breach, got %v", breaches)
	}
}
