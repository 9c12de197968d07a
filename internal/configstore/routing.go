package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/types"
)

// RoutingConfigKey is where the shared routing record lives in the store.
const RoutingConfigKey = "routing-config"

// ErrNoConfig means the store is unreachable and no snapshot was ever read,
// so there is nothing to fall back to.
var ErrNoConfig = errors.New("configstore: no routing config available")

// casAttempts bounds the compare-and-swap retry loop on Update.
const casAttempts = 5

// Accessor mediates all access to the shared RoutingConfig. Reads return a
// consistent snapshot; if the store is unreachable the last successfully read
// config is served instead, so a storage hiccup degrades the control plane
// gracefully rather than failing every request. Writes go through a bounded
// compare-and-swap loop, which together with the controller's single-writer
// discipline gives last-writer-wins with no lost updates.
type Accessor struct {
	store  Store
	logger *logrus.Logger

	mu     sync.RWMutex
	cached *types.RoutingConfig
}

func NewAccessor(store Store, logger *logrus.Logger) *Accessor {
	return &Accessor{store: store, logger: logger}
}

// Seed installs the initial routing config if the store holds none.
func (a *Accessor) Seed(ctx context.Context, cfg *types.RoutingConfig) error {
	cfg = cfg.Clone()
	if err := cfg.Normalize(); err != nil {
		return fmt.Errorf("seed routing config: %w", err)
	}
	cfg.Version = 1
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("seed routing config: %w", err)
	}
	err = a.store.CompareAndSwap(ctx, RoutingConfigKey, nil, raw)
	if err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("seed routing config: %w", err)
	}
	// An existing record wins; just warm the cache.
	_, snapErr := a.Snapshot(ctx)
	return snapErr
}

// Snapshot returns a copy of the current routing config. Callers own the
// returned value and may not observe later writes through it.
func (a *Accessor) Snapshot(ctx context.Context) (*types.RoutingConfig, error) {
	raw, ok, err := a.store.Get(ctx, RoutingConfigKey)
	if err != nil || !ok {
		a.mu.RLock()
		cached := a.cached
		a.mu.RUnlock()
		if cached != nil {
			if err != nil {
				a.logger.WithError(err).Warn("Config store unreachable, serving cached routing config")
			}
			return cached.Clone(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoConfig, err)
		}
		return nil, ErrNoConfig
	}

	cfg := &types.RoutingConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode routing config: %w", err)
	}
	a.mu.Lock()
	a.cached = cfg.Clone()
	a.mu.Unlock()
	return cfg, nil
}

// Update applies mutate to a fresh copy of the current config and writes it
// back via compare-and-swap, retrying on conflict up to casAttempts times.
// The mutated config is normalized and its version bumped before the write.
func (a *Accessor) Update(ctx context.Context, mutate func(*types.RoutingConfig) error) (*types.RoutingConfig, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, ok, err := a.store.Get(ctx, RoutingConfigKey)
		if err != nil {
			return nil, fmt.Errorf("read routing config: %w", err)
		}
		if !ok {
			return nil, ErrNoConfig
		}
		cur := &types.RoutingConfig{}
		if err := json.Unmarshal(raw, cur); err != nil {
			return nil, fmt.Errorf("decode routing config: %w", err)
		}

		next := cur.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		if err := next.Normalize(); err != nil {
			return nil, err
		}
		next.Version = cur.Version + 1

		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode routing config: %w", err)
		}
		if err := a.store.CompareAndSwap(ctx, RoutingConfigKey, raw, encoded); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("write routing config: %w", err)
		}

		a.mu.Lock()
		a.cached = next.Clone()
		a.mu.Unlock()
		a.logger.WithFields(logrus.Fields{
			"version":  next.Version,
			"degraded": next.Degraded,
		}).Info("Routing config updated")
		return next, nil
	}
	return nil, fmt.Errorf("update routing config: %w", lastErr)
}
