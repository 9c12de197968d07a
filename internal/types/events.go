package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies one of the closed set of event kinds recorded in the
// event log. The set is closed on purpose: every consumer (the metrics
// aggregator in particular) switches over payload types and adding a kind
// means updating those switches.
type EventType string

const (
	EventRouteAttempt      EventType = "route-attempt"
	EventRouteOutcome      EventType = "route-outcome"
	EventDegradeApplied    EventType = "degrade-applied"
	EventRollbackApplied   EventType = "rollback-applied"
	EventCaptureAttempt    EventType = "capture-attempt"
	EventCaptureOutcome    EventType = "capture-outcome"
	EventWebhookReceived   EventType = "webhook-received"
	EventReconcileRequired EventType = "reconcile-required"
	EventVoucherIssued     EventType = "voucher-issued"
)

// Event is an immutable fact appended to the event log. Events are never
// mutated or deleted by this service; retention is handled elsewhere.
type Event struct {
	ID         string       `json:"id"`
	Type       EventType    `json:"type"`
	SubjectID  string       `json:"subject_id"`
	OccurredAt time.Time    `json:"occurred_at"`
	Payload    EventPayload `json:"payload"`
}

// EventPayload is implemented by exactly one struct per event type.
type EventPayload interface {
	EventType() EventType
}

// RouteAttemptPayload marks a request entering the router. The metrics
// aggregator uses these as the failure-rate denominator.
type RouteAttemptPayload struct {
	Template string `json:"template,omitempty"`
	Style    string `json:"style,omitempty"`
}

func (RouteAttemptPayload) EventType() EventType { return EventRouteAttempt }

// RouteOutcomePayload is emitted exactly once per routed request, success or
// not. All downstream routing metrics derive from these.
type RouteOutcomePayload struct {
	Provider     string  `json:"provider"`
	Attempts     int     `json:"attempts"`
	LatencyMs    int64   `json:"latency_ms"`
	Cost         float64 `json:"cost"`
	Error        string  `json:"error,omitempty"`
	FallbackUsed bool    `json:"fallback_used"`
}

func (RouteOutcomePayload) EventType() EventType { return EventRouteOutcome }

// MetricsSnapshot is the aggregator output frozen into an audit event.
type MetricsSnapshot struct {
	FailureRatePct *float64 `json:"failure_rate_pct"`
	P95LatencyMs   *float64 `json:"p95_latency_ms"`
	CostPerUnit    *float64 `json:"cost_per_unit"`
	WindowMinutes  int      `json:"window_minutes"`
}

// DegradeAppliedPayload records a Normal -> Degraded transition.
type DegradeAppliedPayload struct {
	Trigger  string          `json:"trigger"` // "automatic" or "manual"
	Actor    string          `json:"actor,omitempty"`
	Reasons  []string        `json:"reasons"`
	Snapshot MetricsSnapshot `json:"snapshot"`
}

func (DegradeAppliedPayload) EventType() EventType { return EventDegradeApplied }

// RollbackAppliedPayload records a Degraded -> Normal transition. Rollback is
// always operator-initiated.
type RollbackAppliedPayload struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason"`
}

func (RollbackAppliedPayload) EventType() EventType { return EventRollbackApplied }

// CaptureAttemptPayload records one failed payment-capture attempt.
type CaptureAttemptPayload struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

func (CaptureAttemptPayload) EventType() EventType { return EventCaptureAttempt }

// CaptureOutcomePayload records the terminal result of a capture.
type CaptureOutcomePayload struct {
	CaptureID string `json:"capture_id,omitempty"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

func (CaptureOutcomePayload) EventType() EventType { return EventCaptureOutcome }

// WebhookReceivedPayload records an inbound payment webhook delivery.
type WebhookReceivedPayload struct {
	EventID   string `json:"event_id"`
	Kind      string `json:"kind"`
	Duplicate bool   `json:"duplicate"`
}

func (WebhookReceivedPayload) EventType() EventType { return EventWebhookReceived }

// ReconcileRequiredPayload flags a partial commit: money moved but an internal
// mutation failed (or the reverse). Carries enough correlation data for an
// operator to reconcile by hand.
type ReconcileRequiredPayload struct {
	OrderID   string `json:"order_id"`
	CaptureID string `json:"capture_id,omitempty"`
	Detail    string `json:"detail"`
}

func (ReconcileRequiredPayload) EventType() EventType { return EventReconcileRequired }

// VoucherIssuedPayload records a make-good voucher issued for a low-quality
// generation.
type VoucherIssuedPayload struct {
	VoucherID string  `json:"voucher_id"`
	JobID     string  `json:"job_id"`
	Clip      float64 `json:"clip"`
	Brisque   float64 `json:"brisque"`
}

func (VoucherIssuedPayload) EventType() EventType { return EventVoucherIssued }

// DecodePayload reconstructs the typed payload for a stored event. Used by
// log implementations that persist payloads as JSON.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventRouteAttempt:
		v := RouteAttemptPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventRouteOutcome:
		v := RouteOutcomePayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventDegradeApplied:
		v := DegradeAppliedPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventRollbackApplied:
		v := RollbackAppliedPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventCaptureAttempt:
		v := CaptureAttemptPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventCaptureOutcome:
		v := CaptureOutcomePayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventWebhookReceived:
		v := WebhookReceivedPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventReconcileRequired:
		v := ReconcileRequiredPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case EventVoucherIssued:
		v := VoucherIssuedPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
