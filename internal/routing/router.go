// Package routing selects a provider per generation request under the shared
// weighted routing config, with per-call timeouts, failover, and a
// guaranteed simulator fallback.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/pixelmint/genroute/internal/configstore"
	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/providers"
	"github.com/pixelmint/genroute/internal/types"
)

// Stable error classes surfaced to callers. Provider identities, attempt
// counts and config internals never leak past this boundary.
var (
	ErrInvalidRequest   = errors.New("routing: invalid generation request")
	ErrGenerationFailed = errors.New("routing: generation failed")
)

const defaultCallTimeout = 8 * time.Second

// HealthStatus is the router's view of one provider.
type HealthStatus struct {
	Status      string `json:"status"` // "healthy", "unhealthy", "unknown"
	LatencyMs   int64  `json:"latency_ms"`
	LastChecked int64  `json:"last_checked"`
	Error       string `json:"error,omitempty"`
}

// Router routes generation requests. It reads a consistent routing-config
// snapshot per request, draws a provider by weighted random selection over
// the eligible set, and guards every upstream call with a timeout and a
// per-provider circuit breaker. No lock is held across provider calls.
type Router struct {
	adapters map[string]providers.Adapter
	breakers map[string]*gobreaker.CircuitBreaker[*types.JobRef]
	accessor *configstore.Accessor
	log      eventlog.Log
	logger   *logrus.Logger

	healthMu            sync.RWMutex
	health              map[string]*HealthStatus
	lastHealthCheck     time.Time
	healthCheckInterval time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRouter(accessor *configstore.Accessor, log eventlog.Log, logger *logrus.Logger) *Router {
	return &Router{
		adapters:            make(map[string]providers.Adapter),
		breakers:            make(map[string]*gobreaker.CircuitBreaker[*types.JobRef]),
		accessor:            accessor,
		log:                 log,
		logger:              logger,
		health:              make(map[string]*HealthStatus),
		healthCheckInterval: 30 * time.Second,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterProvider adds an adapter and its circuit breaker.
func (r *Router) RegisterProvider(adapter providers.Adapter) {
	name := adapter.Name()
	r.adapters[name] = adapter
	r.breakers[name] = gobreaker.NewCircuitBreaker[*types.JobRef](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.6
		},
	})
	r.health[name] = &HealthStatus{Status: "unknown"}
	r.logger.WithField("provider", name).Info("Provider registered")
}

// SetHealthCheckInterval overrides how often cached provider health is
// refreshed.
func (r *Router) SetHealthCheckInterval(d time.Duration) {
	if d > 0 {
		r.healthCheckInterval = d
	}
}

// SeedRand fixes the selection RNG, for deterministic tests.
func (r *Router) SeedRand(seed int64) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	r.rng = rand.New(rand.NewSource(seed))
}

// Route routes one generation request. A route-outcome event is emitted
// exactly once per call, on every path out of this function.
func (r *Router) Route(ctx context.Context, req *types.GenerationRequest) (*types.GenerationJob, error) {
	if req == nil || req.Prompt == "" {
		return nil, ErrInvalidRequest
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	r.maybeRefreshHealth()

	job := &types.GenerationJob{
		ID:        req.ID,
		Status:    types.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	start := time.Now()
	r.log.Append(ctx, eventlog.New(job.ID, types.RouteAttemptPayload{
		Template: req.Template,
		Style:    req.Style,
	}))

	// The outcome event is the single point downstream metrics depend on;
	// defer guarantees it fires exactly once even on panic paths.
	var outcomeErr string
	var cost float64
	defer func() {
		// A panic mid-attempt leaves the job non-terminal; the outcome must
		// still count as a failure, not a success.
		if job.Status != types.JobSucceeded && outcomeErr == "" {
			outcomeErr = "generation failed"
		}
		r.log.Append(context.WithoutCancel(ctx), eventlog.New(job.ID, types.RouteOutcomePayload{
			Provider:     job.ProviderUsed,
			Attempts:     len(job.Attempts),
			LatencyMs:    time.Since(start).Milliseconds(),
			Cost:         cost,
			Error:        outcomeErr,
			FallbackUsed: job.FallbackUsed,
		}))
	}()

	cfg, err := r.accessor.Snapshot(ctx)
	if err != nil {
		// No config was ever readable; the simulator is all we have.
		r.logger.WithError(err).Warn("Routing without config, using fallback")
		cfg = nil
	}
	r.applyDegradedParams(cfg, req)

	timeout := defaultCallTimeout
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	eligible := r.eligibleProviders(cfg, req)
	if len(eligible) == 0 {
		job.FallbackUsed = true
		if err := r.attempt(ctx, job, req, string(types.SimulatorProvider), timeout); err != nil {
			job.Status = types.JobFailed
			outcomeErr = "generation failed"
			return job, ErrGenerationFailed
		}
		job.Status = types.JobSucceeded
		cost = r.attemptCost(job.ProviderUsed, req)
		return job, nil
	}

	tried := map[string]bool{}
	candidates := r.attemptOrder(cfg, eligible)
	for i, name := range candidates {
		tried[name] = true
		err := r.attempt(ctx, job, req, name, timeout)
		if err == nil {
			job.Status = types.JobSucceeded
			cost = r.attemptCost(name, req)
			return job, nil
		}
		if providers.IsUnsupported(err) {
			// Non-retryable request shape for this provider; go straight to
			// the fallback rather than burning the failover budget.
			break
		}
		if !providers.IsTransient(err) {
			job.Status = types.JobFailed
			outcomeErr = "generation failed"
			return job, ErrGenerationFailed
		}
		if cfg != nil && !cfg.FailoverEnabled {
			job.Status = types.JobFailed
			outcomeErr = "generation failed"
			return job, ErrGenerationFailed
		}
		if i == len(candidates)-1 {
			break
		}
	}

	if !tried[string(types.SimulatorProvider)] {
		job.FallbackUsed = true
		if err := r.attempt(ctx, job, req, string(types.SimulatorProvider), timeout); err == nil {
			job.Status = types.JobSucceeded
			cost = r.attemptCost(job.ProviderUsed, req)
			return job, nil
		}
	}

	job.Status = types.JobFailed
	outcomeErr = "generation failed"
	return job, ErrGenerationFailed
}

// attempt invokes one adapter through its breaker with a per-call deadline
// and records the attempt on the job.
func (r *Router) attempt(ctx context.Context, job *types.GenerationJob, req *types.GenerationRequest, name string, timeout time.Duration) error {
	adapter, ok := r.adapters[name]
	if !ok {
		return fmt.Errorf("provider %s not registered", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	ref, err := r.breakers[name].Execute(func() (*types.JobRef, error) {
		return adapter.Generate(callCtx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &providers.TransientError{Provider: name, Err: err}
	}

	rec := types.AttemptRecord{
		Provider:   name,
		StartedAt:  started.UTC(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
		job.Attempts = append(job.Attempts, rec)
		r.logger.WithError(err).WithFields(logrus.Fields{
			"provider": name,
			"job_id":   job.ID,
		}).Warn("Provider attempt failed")
		return err
	}
	job.Attempts = append(job.Attempts, rec)
	job.ProviderUsed = name
	job.ProviderRef = ref.ID
	return nil
}

// attemptOrder returns the primary pick followed by failover candidates in
// descending weight order, bounded by the config's retry budget.
func (r *Router) attemptOrder(cfg *types.RoutingConfig, eligible []candidate) []string {
	primary := r.pickWeighted(eligible)

	rest := make([]candidate, 0, len(eligible)-1)
	for _, c := range eligible {
		if c.name != primary {
			rest = append(rest, c)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].weight != rest[j].weight {
			return rest[i].weight > rest[j].weight
		}
		return rest[i].name < rest[j].name
	})

	budget := 1
	if cfg != nil {
		budget = cfg.MaxRetries
	}
	if budget > len(rest) {
		budget = len(rest)
	}

	order := []string{primary}
	for _, c := range rest[:budget] {
		order = append(order, c.name)
	}
	return order
}

// eligibleProviders intersects configured weight, template/style support,
// and current health (including breaker state).
func (r *Router) eligibleProviders(cfg *types.RoutingConfig, req *types.GenerationRequest) []candidate {
	if cfg == nil {
		return nil
	}
	var out []candidate
	for id, w := range cfg.Weights {
		name := string(id)
		if w <= 0 {
			continue
		}
		adapter, ok := r.adapters[name]
		if !ok {
			continue
		}
		if !adapter.Supports(req.Template, req.Style) {
			continue
		}
		if !r.isHealthy(name) {
			continue
		}
		out = append(out, candidate{name: name, weight: w})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// pickWeighted draws one provider proportionally to weight, renormalized
// over the eligible set. Equal weights are uniform by construction.
func (r *Router) pickWeighted(eligible []candidate) string {
	var sum float64
	for _, c := range eligible {
		sum += c.weight
	}
	r.rngMu.Lock()
	draw := r.rng.Float64() * sum
	r.rngMu.Unlock()

	for _, c := range eligible {
		draw -= c.weight
		if draw < 0 {
			return c.name
		}
	}
	return eligible[len(eligible)-1].name
}

// applyDegradedParams clamps generation parameters when degraded mode flags
// are set.
func (r *Router) applyDegradedParams(cfg *types.RoutingConfig, req *types.GenerationRequest) {
	if cfg == nil || !cfg.Degraded {
		return
	}
	if cfg.ReducedResolution {
		if req.Width > 512 {
			req.Width = 512
		}
		if req.Height > 512 {
			req.Height = 512
		}
	}
	if cfg.ReducedSteps && req.Steps > 20 {
		req.Steps = 20
	}
}

func (r *Router) attemptCost(name string, req *types.GenerationRequest) float64 {
	adapter, ok := r.adapters[name]
	if !ok {
		return 0
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	return adapter.CostPerImage() * float64(count)
}

func (r *Router) isHealthy(name string) bool {
	if br, ok := r.breakers[name]; ok && br.State() == gobreaker.StateOpen {
		return false
	}
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	status, ok := r.health[name]
	if !ok {
		return false
	}
	return status.Status == "healthy" || status.Status == "unknown"
}

func (r *Router) maybeRefreshHealth() {
	r.healthMu.Lock()
	due := time.Since(r.lastHealthCheck) > r.healthCheckInterval
	if due {
		r.lastHealthCheck = time.Now()
	}
	r.healthMu.Unlock()
	if due {
		// Background context: health probes must outlive the request.
		go r.RefreshHealth(context.Background())
	}
}

// RefreshHealth probes every adapter and records the result.
func (r *Router) RefreshHealth(ctx context.Context) {
	for name, adapter := range r.adapters {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ok, latency, err := adapter.HealthCheck(probeCtx)
		cancel()

		status := &HealthStatus{
			LatencyMs:   latency,
			LastChecked: time.Now().Unix(),
		}
		if err != nil || !ok {
			status.Status = "unhealthy"
			if err != nil {
				status.Error = err.Error()
			}
			r.logger.WithError(err).WithField("provider", name).Warn("Health check failed")
		} else {
			status.Status = "healthy"
		}
		r.healthMu.Lock()
		r.health[name] = status
		r.healthMu.Unlock()
	}
}

// HealthStatus returns a copy of the current per-provider health view.
func (r *Router) HealthStatus() map[string]HealthStatus {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	out := make(map[string]HealthStatus, len(r.health))
	for name, status := range r.health {
		out[name] = *status
	}
	return out
}

// ListProviders returns registered adapter names, sorted.
func (r *Router) ListProviders() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
