// Package degrade holds the closed-loop degradation controller: it evaluates
// rolling metrics against thresholds and rewrites the shared routing config
// to shed load onto the cheapest reliable provider.
package degrade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/configstore"
	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/metrics"
	"github.com/pixelmint/genroute/internal/types"
)

var (
	// ErrAlreadyDegraded is returned by a degrade command while degraded.
	ErrAlreadyDegraded = errors.New("degrade: already degraded")
	// ErrNotDegraded is returned by rollback while in normal state.
	ErrNotDegraded = errors.New("degrade: not degraded")
	// ErrAuditIncomplete means the config mutation was applied but the
	// audit event could not be recorded. Never reported as plain success.
	ErrAuditIncomplete = errors.New("degrade: config applied but audit event failed")
)

// Config tunes the controller.
type Config struct {
	Thresholds metrics.Thresholds
	// TacticalWindow feeds automatic degrade decisions.
	TacticalWindow time.Duration
	// PreferredProvider receives 100% of traffic while degraded.
	PreferredProvider types.ProviderID
	// NormalWeights are restored on rollback.
	NormalWeights map[types.ProviderID]float64
}

// Controller owns all routing-config mutations. Automatic checks and manual
// operator commands are serialized through one mutex, which resolves the
// race between a concurrent rollback and a mid-flight automatic check:
// whichever acquires the lock first wins, and the loser re-reads state.
//
// The state machine is deliberately asymmetric: any threshold breach (or a
// manual command) enters Degraded, but only an explicit rollback leaves it.
// The system never self-heals silently.
type Controller struct {
	accessor   *configstore.Accessor
	aggregator *metrics.Aggregator
	log        eventlog.Log
	logger     *logrus.Logger
	config     Config

	mu sync.Mutex
}

func NewController(accessor *configstore.Accessor, aggregator *metrics.Aggregator, log eventlog.Log, config Config, logger *logrus.Logger) *Controller {
	if config.TacticalWindow == 0 {
		config.TacticalWindow = 5 * time.Minute
	}
	return &Controller{
		accessor:   accessor,
		aggregator: aggregator,
		log:        log,
		logger:     logger,
		config:     config,
	}
}

// Evaluate computes metrics over the given window and returns threshold
// breaches. The automatic check, the manual command path, and the incident
// notifier all share this one function so the thresholds cannot drift apart.
func (c *Controller) Evaluate(ctx context.Context, window time.Duration) (*types.RollingMetrics, []string, error) {
	m, err := c.aggregator.Compute(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	return m, c.config.Thresholds.Breaches(m), nil
}

// AutoCheck is the scheduled evaluation. It degrades when any tactical
// metric breaches its threshold and never transitions back to Normal.
func (c *Controller) AutoCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.accessor.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("auto check: %w", err)
	}
	if snap.Degraded {
		return nil
	}

	m, breaches, err := c.Evaluate(ctx, c.config.TacticalWindow)
	if err != nil {
		return fmt.Errorf("auto check: %w", err)
	}
	if len(breaches) == 0 {
		return nil
	}

	c.logger.WithField("breaches", breaches).Warn("Threshold breach detected, degrading")
	return c.degradeLocked(ctx, "automatic", "", breaches, m)
}

// Degrade is the authenticated manual command. It records the current metric
// snapshot but applies regardless of whether thresholds are breached.
func (c *Controller) Degrade(ctx context.Context, actor, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.accessor.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("degrade: %w", err)
	}
	if snap.Degraded {
		return ErrAlreadyDegraded
	}

	m, breaches, err := c.Evaluate(ctx, c.config.TacticalWindow)
	if err != nil {
		return fmt.Errorf("degrade: %w", err)
	}
	reasons := []string{reason}
	reasons = append(reasons, breaches...)
	return c.degradeLocked(ctx, "manual", actor, reasons, m)
}

// degradeLocked applies the Degraded config in one atomic CAS update: 100%
// weight on the preferred provider plus the reduced resolution and step
// flags. Callers hold c.mu.
func (c *Controller) degradeLocked(ctx context.Context, trigger, actor string, reasons []string, m *types.RollingMetrics) error {
	reason := strings.Join(reasons, "; ")
	updated, err := c.accessor.Update(ctx, func(cfg *types.RoutingConfig) error {
		cfg.Weights = map[types.ProviderID]float64{c.config.PreferredProvider: 1}
		cfg.Primary = c.config.PreferredProvider
		cfg.Degraded = true
		cfg.DegradeReason = reason
		cfg.ReducedResolution = true
		cfg.ReducedSteps = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("degrade config write failed, no change applied: %w", err)
	}

	event := eventlog.New(string(c.config.PreferredProvider), types.DegradeAppliedPayload{
		Trigger:  trigger,
		Actor:    actor,
		Reasons:  reasons,
		Snapshot: m.Snapshot(),
	})
	if err := c.log.Append(ctx, event); err != nil {
		return fmt.Errorf("%w (config version %d): %v", ErrAuditIncomplete, updated.Version, err)
	}

	c.logger.WithFields(logrus.Fields{
		"trigger":  trigger,
		"actor":    actor,
		"reasons":  reasons,
		"version":  updated.Version,
		"provider": c.config.PreferredProvider,
	}).Warn("Degraded mode applied")
	return nil
}

// Rollback is the only path back to Normal, and it is always
// operator-initiated.
func (c *Controller) Rollback(ctx context.Context, actor, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.accessor.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if !snap.Degraded {
		return ErrNotDegraded
	}

	updated, err := c.accessor.Update(ctx, func(cfg *types.RoutingConfig) error {
		cfg.Weights = make(map[types.ProviderID]float64, len(c.config.NormalWeights))
		for id, w := range c.config.NormalWeights {
			cfg.Weights[id] = w
		}
		cfg.Degraded = false
		cfg.DegradeReason = ""
		cfg.ReducedResolution = false
		cfg.ReducedSteps = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("rollback config write failed, no change applied: %w", err)
	}

	event := eventlog.New(actor, types.RollbackAppliedPayload{Actor: actor, Reason: reason})
	if err := c.log.Append(ctx, event); err != nil {
		return fmt.Errorf("%w (config version %d): %v", ErrAuditIncomplete, updated.Version, err)
	}

	c.logger.WithFields(logrus.Fields{
		"actor":   actor,
		"reason":  reason,
		"version": updated.Version,
	}).Info("Rollback applied, normal routing restored")
	return nil
}

// Run executes AutoCheck on the given interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.AutoCheck(ctx); err != nil {
				c.logger.WithError(err).Error("Automatic degrade check failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
