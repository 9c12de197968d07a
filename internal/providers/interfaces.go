// Package providers defines the uniform adapter interface the router drives,
// one implementation per upstream image-generation service plus the local
// simulator.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pixelmint/genroute/internal/types"
)

// Adapter is implemented by every upstream provider and by the simulator.
type Adapter interface {
	Name() string
	// Generate submits a generation and returns the provider's job handle.
	Generate(ctx context.Context, req *types.GenerationRequest) (*types.JobRef, error)
	// HealthCheck probes the upstream and reports round-trip latency.
	HealthCheck(ctx context.Context) (ok bool, latencyMs int64, err error)
	// Supports reports whether this provider can render the template/style
	// pair. Empty template and style are always supported.
	Supports(template, style string) bool
	// CostPerImage is the configured per-image cost in USD.
	CostPerImage() float64
}

// UnsupportedError is the structured "unsupported template" rejection. It is
// non-retryable: the router goes straight to the fallback instead of burning
// the failover budget on it.
type UnsupportedError struct {
	Provider string
	Template string
	Style    string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("provider %s does not support template %q style %q", e.Provider, e.Template, e.Style)
}

// TransientError wraps a failure worth retrying against another provider:
// timeouts, 5xx responses, connection resets.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the router may retry err on another provider.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsUnsupported reports a structured template/style rejection.
func IsUnsupported(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}

// SupportsPair checks a template/style pair against a configured allow list.
// A nil or empty list supports everything; entries are "template" or
// "template/style".
func SupportsPair(allowed []string, template, style string) bool {
	if template == "" && style == "" {
		return true
	}
	if len(allowed) == 0 {
		return true
	}
	pair := template + "/" + style
	for _, a := range allowed {
		if a == template || a == pair {
			return true
		}
	}
	return false
}
