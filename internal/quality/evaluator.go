// Package quality evaluates per-asset quality scores and issues make-good
// vouchers for generations that miss the bar.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/types"
)

// Config holds quality thresholds. A CLIP score below MinClip or a BRISQUE
// score above MaxBrisque triggers a voucher.
type Config struct {
	MinClip    float64       `yaml:"min_clip"`
	MaxBrisque float64       `yaml:"max_brisque"`
	VoucherTTL time.Duration `yaml:"voucher_ttl"`
}

func (c *Config) defaults() {
	if c.MinClip == 0 {
		c.MinClip = 0.2
	}
	if c.MaxBrisque == 0 {
		c.MaxBrisque = 60
	}
	if c.VoucherTTL == 0 {
		c.VoucherTTL = 30 * 24 * time.Hour
	}
}

// VoucherStore persists issued vouchers.
type VoucherStore interface {
	Save(ctx context.Context, v types.VoucherRecord) error
	Get(ctx context.Context, id string) (types.VoucherRecord, bool, error)
}

// MemoryVoucherStore is the in-process voucher store.
type MemoryVoucherStore struct {
	mu       sync.RWMutex
	vouchers map[string]types.VoucherRecord
}

func NewMemoryVoucherStore() *MemoryVoucherStore {
	return &MemoryVoucherStore{vouchers: make(map[string]types.VoucherRecord)}
}

func (s *MemoryVoucherStore) Save(ctx context.Context, v types.VoucherRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vouchers[v.ID] = v
	return nil
}

func (s *MemoryVoucherStore) Get(ctx context.Context, id string) (types.VoucherRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vouchers[id]
	return v, ok, nil
}

// Evaluator applies quality thresholds to generated assets.
type Evaluator struct {
	config   Config
	vouchers VoucherStore
	log      eventlog.Log
	logger   *logrus.Logger
}

func NewEvaluator(config Config, vouchers VoucherStore, log eventlog.Log, logger *logrus.Logger) *Evaluator {
	config.defaults()
	return &Evaluator{
		config:   config,
		vouchers: vouchers,
		log:      log,
		logger:   logger,
	}
}

// Evaluate issues a voucher when the score misses either threshold. A nil
// voucher means the asset passed.
func (e *Evaluator) Evaluate(ctx context.Context, jobID string, score types.QualityScore) (*types.VoucherRecord, error) {
	if score.Clip >= e.config.MinClip && score.Brisque <= e.config.MaxBrisque {
		return nil, nil
	}

	v := types.VoucherRecord{
		ID:        uuid.NewString(),
		JobID:     jobID,
		ExpiresAt: time.Now().UTC().Add(e.config.VoucherTTL),
	}
	if err := e.vouchers.Save(ctx, v); err != nil {
		return nil, fmt.Errorf("save voucher: %w", err)
	}
	e.log.Append(ctx, eventlog.New(jobID, types.VoucherIssuedPayload{
		VoucherID: v.ID,
		JobID:     jobID,
		Clip:      score.Clip,
		Brisque:   score.Brisque,
	}))

	e.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"voucher_id": v.ID,
		"clip":       score.Clip,
		"brisque":    score.Brisque,
	}).Info("Quality voucher issued")
	return &v, nil
}
