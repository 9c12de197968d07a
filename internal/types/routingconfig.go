package types

import (
	"fmt"
	"time"
)

// ProviderID names a registered provider adapter.
type ProviderID string

// SimulatorProvider is the guaranteed-available local fallback.
const SimulatorProvider ProviderID = "simulator"

// RoutingConfig is the single shared routing record, one per environment.
// It is read by the router on every request and mutated only through the
// degradation controller (or an authenticated operator command routed through
// it). Mutations go through compare-and-swap on Version; readers always see
// either the old or the new record, never a torn one.
type RoutingConfig struct {
	Version           int64                  `json:"version"`
	Weights           map[ProviderID]float64 `json:"weights"`
	Primary           ProviderID             `json:"primary"`
	Timeout           time.Duration          `json:"timeout"`
	MaxRetries        int                    `json:"max_retries"`
	FailoverEnabled   bool                   `json:"failover_enabled"`
	Degraded          bool                   `json:"degraded"`
	DegradeReason     string                 `json:"degrade_reason,omitempty"`
	ReducedResolution bool                   `json:"reduced_resolution"`
	ReducedSteps      bool                   `json:"reduced_steps"`
}

// Clone returns a deep copy safe for mutation.
func (c *RoutingConfig) Clone() *RoutingConfig {
	out := *c
	out.Weights = make(map[ProviderID]float64, len(c.Weights))
	for k, v := range c.Weights {
		out.Weights[k] = v
	}
	return &out
}

// Normalize validates weights and rescales them to sum to 1.
func (c *RoutingConfig) Normalize() error {
	var sum float64
	for id, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("provider %s has negative weight %f", id, w)
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("routing weights sum to zero")
	}
	for id, w := range c.Weights {
		c.Weights[id] = w / sum
	}
	return nil
}
