// Package simulator is the guaranteed-available local provider. The router
// falls back to it whenever no upstream is eligible, so it never rejects a
// request on template or style grounds.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/providers"
	"github.com/pixelmint/genroute/internal/types"
)

// Config holds simulator tuning. FailureRate and Latency exist so tests and
// staging can exercise failure paths deterministically via Seed.
type Config struct {
	Latency      time.Duration `yaml:"latency"`
	FailureRate  float64       `yaml:"failure_rate"`
	CostPerImage float64       `yaml:"cost_per_image"`
	Seed         int64         `yaml:"seed"`
}

// Provider renders nothing; it returns a synthetic job reference after the
// configured latency.
type Provider struct {
	config *Config
	logger *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(config *Config, logger *logrus.Logger) *Provider {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Provider{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (p *Provider) Name() string { return string(types.SimulatorProvider) }

func (p *Provider) CostPerImage() float64 { return p.config.CostPerImage }

// Supports is unconditionally true: the simulator is the fallback of last
// resort.
func (p *Provider) Supports(template, style string) bool { return true }

func (p *Provider) Generate(ctx context.Context, req *types.GenerationRequest) (*types.JobRef, error) {
	if p.config.Latency > 0 {
		select {
		case <-time.After(p.config.Latency):
		case <-ctx.Done():
			return nil, &providers.TransientError{Provider: p.Name(), Err: ctx.Err()}
		}
	}

	if p.config.FailureRate > 0 {
		p.mu.Lock()
		roll := p.rng.Float64()
		p.mu.Unlock()
		if roll < p.config.FailureRate {
			return nil, &providers.TransientError{Provider: p.Name(), Err: fmt.Errorf("simulated failure")}
		}
	}

	ref := &types.JobRef{ID: "sim-" + uuid.NewString(), Provider: p.Name()}
	p.logger.WithFields(logrus.Fields{
		"provider": p.Name(),
		"job_ref":  ref.ID,
	}).Debug("Simulated generation")
	return ref, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (bool, int64, error) {
	return true, 0, nil
}
