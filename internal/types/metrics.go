package types

import "time"

// RollingMetrics is the aggregator output for one window. Statistics are
// pointers: nil means "no supporting samples", which is distinct from zero.
type RollingMetrics struct {
	FailureRatePct *float64      `json:"failure_rate_pct"`
	P95LatencyMs   *float64      `json:"p95_latency_ms"`
	CostPerUnit    *float64      `json:"cost_per_unit"`
	Window         time.Duration `json:"window"`
	StartSamples   int           `json:"start_samples"`
	OutcomeSamples int           `json:"outcome_samples"`
	ComputedAt     time.Time     `json:"computed_at"`
}

// Snapshot freezes the metrics into the shape carried by audit events.
func (m *RollingMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FailureRatePct: m.FailureRatePct,
		P95LatencyMs:   m.P95LatencyMs,
		CostPerUnit:    m.CostPerUnit,
		WindowMinutes:  int(m.Window.Minutes()),
	}
}

// QualityScore is the derived per-asset quality measurement.
type QualityScore struct {
	Clip    float64 `json:"clip"`    // [0, 1], higher is better
	Brisque float64 `json:"brisque"` // [0, 100], lower is better
}

// VoucherRecord is a make-good voucher issued for a low-quality generation.
type VoucherRecord struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}
