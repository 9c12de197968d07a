// Package metrics computes rolling-window statistics from the event log.
// One parameterized Compute serves both the short tactical window used for
// automatic degrade decisions and the longer window used for incident
// alerting and dashboards.
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/types"
)

// Aggregator is a pure read-aggregate over the event log; it is correct
// under arbitrary interleaving of concurrent writers.
type Aggregator struct {
	log    eventlog.Log
	logger *logrus.Logger
}

func NewAggregator(log eventlog.Log, logger *logrus.Logger) *Aggregator {
	return &Aggregator{log: log, logger: logger}
}

// Compute returns rolling metrics for the trailing window. A statistic with
// zero supporting samples is nil, never a misleading zero.
func (a *Aggregator) Compute(ctx context.Context, window time.Duration) (*types.RollingMetrics, error) {
	now := time.Now().UTC()
	since := now.Add(-window)

	starts, err := a.log.Query(ctx, types.EventRouteAttempt, since, now)
	if err != nil {
		return nil, fmt.Errorf("query route attempts: %w", err)
	}
	outcomes, err := a.log.Query(ctx, types.EventRouteOutcome, since, now)
	if err != nil {
		return nil, fmt.Errorf("query route outcomes: %w", err)
	}

	m := &types.RollingMetrics{
		Window:         window,
		StartSamples:   len(starts),
		OutcomeSamples: len(outcomes),
		ComputedAt:     now,
	}

	var (
		failures  int
		latencies []float64
		costs     []float64
	)
	for _, e := range outcomes {
		p, ok := e.Payload.(types.RouteOutcomePayload)
		if !ok {
			a.logger.WithField("event_id", e.ID).Warn("Route outcome with unexpected payload type")
			continue
		}
		if p.Error != "" {
			failures++
		}
		latencies = append(latencies, float64(p.LatencyMs))
		if p.Cost > 0 {
			costs = append(costs, p.Cost)
		}
	}

	// Failure rate is undefined without start events, not 0%.
	if len(starts) > 0 {
		rate := float64(failures) / float64(len(starts)) * 100
		m.FailureRatePct = &rate
	}
	if len(latencies) > 0 {
		p95 := percentile95(latencies)
		m.P95LatencyMs = &p95
	}
	if len(costs) > 0 {
		var sum float64
		for _, c := range costs {
			sum += c
		}
		mean := sum / float64(len(costs))
		m.CostPerUnit = &mean
	}
	return m, nil
}

// percentile95 returns the sample at the floor(n*0.95) rank of the sorted
// slice.
func percentile95(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(math.Floor(float64(len(sorted)) * 0.95))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Thresholds are the safety limits evaluated against tactical-window
// metrics. The zero value is not useful; use DefaultThresholds.
type Thresholds struct {
	MaxFailureRatePct float64 `yaml:"max_failure_rate_pct"`
	MaxP95LatencyMs   float64 `yaml:"max_p95_latency_ms"`
	MaxCostPerUnit    float64 `yaml:"max_cost_per_unit"`
}

// DefaultThresholds returns the shipped safety limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFailureRatePct: 2.0,
		MaxP95LatencyMs:   8000,
		MaxCostPerUnit:    0.30,
	}
}

// Breaches lists human-readable threshold violations. Undefined (nil)
// statistics never breach.
func (t Thresholds) Breaches(m *types.RollingMetrics) []string {
	var out []string
	if m.FailureRatePct != nil && *m.FailureRatePct > t.MaxFailureRatePct {
		out = append(out, fmt.Sprintf("failure rate %.2f%% exceeds %.2f%%", *m.FailureRatePct, t.MaxFailureRatePct))
	}
	if m.P95LatencyMs != nil && *m.P95LatencyMs > t.MaxP95LatencyMs {
		out = append(out, fmt.Sprintf("p95 latency %.0fms exceeds %.0fms", *m.P95LatencyMs, t.MaxP95LatencyMs))
	}
	if m.CostPerUnit != nil && *m.CostPerUnit > t.MaxCostPerUnit {
		out = append(out, fmt.Sprintf("cost per unit $%.4f exceeds $%.4f", *m.CostPerUnit, t.MaxCostPerUnit))
	}
	return out
}
