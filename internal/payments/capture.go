// Package payments wraps the upstream payment API with idempotent capture
// and replay-safe webhook reconciliation.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/idempotency"
	"github.com/pixelmint/genroute/internal/retry"
	"github.com/pixelmint/genroute/internal/types"
)

// ErrPartialCommit means money moved but an internal mutation failed. A
// reconcile-required event with the correlation data is always recorded
// before this is returned.
var ErrPartialCommit = errors.New("payments: capture succeeded but order mutation failed")

// ErrAuditIncomplete means the reconcile-required event could not be written
// either; the correlation data survives only in the process log entry.
var ErrAuditIncomplete = errors.New("payments: reconcile-required event append failed")

// CaptureClient is the upstream payment API surface we depend on. The
// upstream honors idempotencyKey: submitting the same key twice captures at
// most once.
type CaptureClient interface {
	Capture(ctx context.Context, orderID, idempotencyKey string) (captureID string, err error)
}

// OrderStore mutates storefront order state.
type OrderStore interface {
	MarkPaid(ctx context.Context, orderID, captureID string) error
	UnlockAssets(ctx context.Context, orderID string) error
}

// CaptureConfig tunes the capture retry envelope.
type CaptureConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`
	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// AttemptTimeout bounds each upstream call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// ReservationLease bounds how long a crashed capture blocks re-attempts.
	ReservationLease time.Duration `yaml:"reservation_lease"`
}

func (c *CaptureConfig) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.ReservationLease == 0 {
		c.ReservationLease = 5 * time.Minute
	}
}

// CaptureService performs idempotent payment capture with bounded retry.
type CaptureService struct {
	client CaptureClient
	orders OrderStore
	idem   idempotency.Store
	log    eventlog.Log
	logger *logrus.Logger
	config CaptureConfig
}

func NewCaptureService(client CaptureClient, orders OrderStore, idem idempotency.Store, log eventlog.Log, config CaptureConfig, logger *logrus.Logger) *CaptureService {
	config.defaults()
	return &CaptureService{
		client: client,
		orders: orders,
		idem:   idem,
		log:    log,
		logger: logger,
		config: config,
	}
}

// Capture captures payment for an order. With an idempotency key the call is
// retried up to MaxRetries times with exponential backoff; without one it is
// attempted exactly once, since an unkeyed retry risks a double capture.
// Replayed calls with a committed key return the prior result without
// touching the upstream.
func (s *CaptureService) Capture(ctx context.Context, orderID, idempotencyKey string) (*idempotency.Result, error) {
	if idempotencyKey != "" {
		done, prior, err := s.idem.CheckAndReserve(ctx, idempotencyKey, s.config.ReservationLease)
		if err != nil {
			return nil, fmt.Errorf("capture reservation: %w", err)
		}
		if done {
			s.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"status":   prior.Status,
			}).Info("Capture replayed, returning prior result")
			return prior, nil
		}
	}

	policy := retry.Policy{MaxAttempts: 1, BaseDelay: s.config.BaseBackoff}
	if idempotencyKey != "" {
		policy.MaxAttempts = 1 + s.config.MaxRetries
	}

	var captureID string
	attempts := 0
	err := retry.Do(ctx, policy, isRetryableCapture, func(ctx context.Context, attempt int) error {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
		defer cancel()

		id, err := s.client.Capture(attemptCtx, orderID, idempotencyKey)
		if err != nil {
			if appendErr := s.log.Append(ctx, eventlog.New(orderID, types.CaptureAttemptPayload{
				Attempt: attempt,
				Error:   err.Error(),
			})); appendErr != nil {
				s.logger.WithError(appendErr).WithField("order_id", orderID).
					Error("Capture attempt event append failed")
			}
			return err
		}
		captureID = id
		return nil
	})
	if err != nil {
		if appendErr := s.log.Append(ctx, eventlog.New(orderID, types.CaptureOutcomePayload{
			Attempts: attempts,
			Error:    err.Error(),
		})); appendErr != nil {
			s.logger.WithError(appendErr).WithField("order_id", orderID).
				Error("Capture outcome event append failed")
		}
		return nil, fmt.Errorf("capture order %s: %w", orderID, err)
	}

	if appendErr := s.log.Append(ctx, eventlog.New(orderID, types.CaptureOutcomePayload{
		CaptureID: captureID,
		Attempts:  attempts,
	})); appendErr != nil {
		s.logger.WithError(appendErr).WithFields(logrus.Fields{
			"order_id":   orderID,
			"capture_id": captureID,
		}).Error("Capture outcome event append failed")
	}

	result := idempotency.Result{ResourceID: captureID, Status: "paid"}

	// Order mutation and asset unlock are a unit. If either fails after the
	// money moved, record the correlation data for manual reconciliation
	// before surfacing the failure.
	if err := s.applyOrderEffects(ctx, orderID, captureID); err != nil {
		if appendErr := s.log.Append(ctx, eventlog.New(orderID, types.ReconcileRequiredPayload{
			OrderID:   orderID,
			CaptureID: captureID,
			Detail:    err.Error(),
		})); appendErr != nil {
			s.logger.WithError(appendErr).WithFields(logrus.Fields{
				"order_id":   orderID,
				"capture_id": captureID,
				"detail":     err.Error(),
			}).Error("Reconcile-required event lost; correlation data is in this entry only")
			return nil, fmt.Errorf("%w: %w: %v", ErrPartialCommit, ErrAuditIncomplete, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPartialCommit, err)
	}

	if idempotencyKey != "" {
		if err := s.idem.Commit(ctx, idempotencyKey, result); err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).
				Error("Idempotency commit failed; lease expiry will allow a re-attempt")
		}
	}
	return &result, nil
}

func (s *CaptureService) applyOrderEffects(ctx context.Context, orderID, captureID string) error {
	if err := s.orders.MarkPaid(ctx, orderID, captureID); err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if err := s.orders.UnlockAssets(ctx, orderID); err != nil {
		return fmt.Errorf("unlock assets: %w", err)
	}
	return nil
}

// isRetryableCapture retries timeouts and transient transport failures. A
// structured upstream rejection (card declined and the like) is final.
func isRetryableCapture(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rejection *CaptureRejectedError
	return !errors.As(err, &rejection)
}

// CaptureRejectedError is a definitive upstream rejection, never retried.
type CaptureRejectedError struct {
	Code   string
	Reason string
}

func (e *CaptureRejectedError) Error() string {
	return fmt.Sprintf("capture rejected: %s (%s)", e.Reason, e.Code)
}
