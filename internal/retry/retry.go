// Package retry provides the single bounded-attempts backoff loop shared by
// the router, the payment capture service, and the best-effort event
// appender. Call sites differ only in policy and retryability predicate.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry; subsequent delays
	// double (exponential backoff).
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
}

// Delay returns the backoff before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(n-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retryable reports whether an error is worth retrying.
type Retryable func(error) bool

// Any retries every error.
func Any(error) bool { return true }

// Do runs op up to p.MaxAttempts times, sleeping with exponential backoff
// between attempts. It stops early when op succeeds, when retryable returns
// false, or when ctx is cancelled. The attempt number passed to op is
// 1-based.
func Do(ctx context.Context, p Policy, retryable Retryable, op func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("cancelled during retry backoff: %w", ctx.Err())
			}
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}
