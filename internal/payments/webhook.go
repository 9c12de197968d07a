package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/idempotency"
	"github.com/pixelmint/genroute/internal/types"
)

// ErrBadSignature means the payload failed authenticity verification and was
// not processed.
var ErrBadSignature = errors.New("payments: webhook signature mismatch")

// WebhookPayload is the payment provider's event body.
type WebhookPayload struct {
	EventID   string `json:"event_id"`
	Kind      string `json:"kind"` // "payment.captured", "payment.failed"
	OrderID   string `json:"order_id"`
	CaptureID string `json:"capture_id,omitempty"`
}

// WebhookResult reports how a delivery was handled.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Processed bool   `json:"processed"`
}

// Reconciler ingests payment webhooks idempotently. The key is reserved
// before the mutating side effect and committed after; a crash in between
// leaves a reservation whose lease expiry permits a bounded re-attempt.
type Reconciler struct {
	idem   idempotency.Store
	orders OrderStore
	log    eventlog.Log
	logger *logrus.Logger
	secret []byte
	lease  time.Duration
}

func NewReconciler(idem idempotency.Store, orders OrderStore, log eventlog.Log, secret string, lease time.Duration, logger *logrus.Logger) *Reconciler {
	if lease == 0 {
		lease = 5 * time.Minute
	}
	return &Reconciler{
		idem:   idem,
		orders: orders,
		log:    log,
		logger: logger,
		secret: []byte(secret),
		lease:  lease,
	}
}

// VerifySignature checks the provider's HMAC-SHA256 hex signature over the
// raw body. Nothing in the payload is trusted before this passes.
func (r *Reconciler) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Handle processes one webhook delivery. Redelivered events return success
// with Duplicate set and never re-apply side effects.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if !r.VerifySignature(body, signature) {
		return nil, ErrBadSignature
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if payload.EventID == "" {
		return nil, fmt.Errorf("webhook payload missing event_id")
	}

	done, _, err := r.idem.CheckAndReserve(ctx, payload.EventID, r.lease)
	if err != nil {
		if errors.Is(err, idempotency.ErrReservationHeld) {
			// Another delivery of the same event is mid-flight; report
			// success so the upstream stops redelivering.
			r.logger.WithField("event_id", payload.EventID).Info("Webhook already in flight")
			return &WebhookResult{EventID: payload.EventID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("webhook reservation: %w", err)
	}
	if done {
		if appendErr := r.log.Append(ctx, eventlog.New(payload.OrderID, types.WebhookReceivedPayload{
			EventID:   payload.EventID,
			Kind:      payload.Kind,
			Duplicate: true,
		})); appendErr != nil {
			r.logger.WithError(appendErr).WithField("event_id", payload.EventID).
				Error("Webhook received event append failed")
		}
		return &WebhookResult{EventID: payload.EventID, Duplicate: true, Processed: true}, nil
	}

	if appendErr := r.log.Append(ctx, eventlog.New(payload.OrderID, types.WebhookReceivedPayload{
		EventID: payload.EventID,
		Kind:    payload.Kind,
	})); appendErr != nil {
		r.logger.WithError(appendErr).WithField("event_id", payload.EventID).
			Error("Webhook received event append failed")
	}

	if err := r.apply(ctx, &payload); err != nil {
		// Leave the reservation uncommitted: the lease expiry makes the key
		// reservable again for the next redelivery.
		return nil, err
	}

	if err := r.idem.Commit(ctx, payload.EventID, idempotency.Result{
		ResourceID: payload.OrderID,
		Status:     payload.Kind,
	}); err != nil {
		r.logger.WithError(err).WithField("event_id", payload.EventID).
			Error("Webhook idempotency commit failed")
	}
	return &WebhookResult{EventID: payload.EventID, Processed: true}, nil
}

func (r *Reconciler) apply(ctx context.Context, payload *WebhookPayload) error {
	switch payload.Kind {
	case "payment.captured":
		if err := r.orders.MarkPaid(ctx, payload.OrderID, payload.CaptureID); err != nil {
			return fmt.Errorf("mark paid: %w", err)
		}
		if err := r.orders.UnlockAssets(ctx, payload.OrderID); err != nil {
			if appendErr := r.log.Append(ctx, eventlog.New(payload.OrderID, types.ReconcileRequiredPayload{
				OrderID:   payload.OrderID,
				CaptureID: payload.CaptureID,
				Detail:    fmt.Sprintf("paid but asset unlock failed: %v", err),
			})); appendErr != nil {
				r.logger.WithError(appendErr).WithFields(logrus.Fields{
					"order_id":   payload.OrderID,
					"capture_id": payload.CaptureID,
					"detail":     err.Error(),
				}).Error("Reconcile-required event lost; correlation data is in this entry only")
				return fmt.Errorf("unlock assets: %w: %w", err, ErrAuditIncomplete)
			}
			return fmt.Errorf("unlock assets: %w", err)
		}
		return nil
	case "payment.failed":
		// No order mutation; the event log entry above is the record.
		r.logger.WithFields(logrus.Fields{
			"order_id": payload.OrderID,
			"event_id": payload.EventID,
		}).Warn("Payment failed webhook received")
		return nil
	default:
		r.logger.WithFields(logrus.Fields{
			"kind":     payload.Kind,
			"event_id": payload.EventID,
		}).Warn("Unknown webhook kind ignored")
		return nil
	}
}
