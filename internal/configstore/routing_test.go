package configstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func seededAccessor(t *testing.T) (*Accessor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	accessor := NewAccessor(store, testLogger())
	err := accessor.Seed(context.Background(), &types.RoutingConfig{
		Weights:         map[types.ProviderID]float64{"fal": 0.7, "runware": 0.3},
		Primary:         "fal",
		FailoverEnabled: true,
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return accessor, store
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CompareAndSwap(ctx, "k", nil, []byte("v1")); err != nil {
		t.Fatalf("Insert CAS failed: %v", err)
	}
	if err := store.CompareAndSwap(ctx, "k", nil, []byte("v2")); !errors.Is(err, ErrConflict) {
		t.Errorf("Second insert should conflict, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "k", []byte("wrong"), []byte("v2")); !errors.Is(err, ErrConflict) {
		t.Errorf("Stale CAS should conflict, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("Valid CAS failed: %v", err)
	}
	v, ok, err := store.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(v) != "v2" {
		t.Errorf("Expected v2, got %s", v)
	}
}

func TestAccessor_SeedNormalizesAndVersions(t *testing.T) {
	store := NewMemoryStore()
	accessor := NewAccessor(store, testLogger())
	err := accessor.Seed(context.Background(), &types.RoutingConfig{
		Weights: map[types.ProviderID]float64{"fal": 7, "runware": 3},
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	cfg, err := accessor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Expected version 1, got %d", cfg.Version)
	}
	if cfg.Weights["fal"] != 0.7 {
		t.Errorf("Weights not normalized: %+v", cfg.Weights)
	}
}

func TestAccessor_SeedKeepsExistingRecord(t *testing.T) {
	accessor, _ := seededAccessor(t)

	// Reseed with different weights; the stored record must win.
	err := accessor.Seed(context.Background(), &types.RoutingConfig{
		Weights: map[types.ProviderID]float64{"runware": 1},
	})
	if err != nil {
		t.Fatalf("Reseed failed: %v", err)
	}
	cfg, err := accessor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if cfg.Weights["fal"] != 0.7 {
		t.Errorf("Reseed overwrote existing record: %+v", cfg.Weights)
	}
}

func TestAccessor_SnapshotReturnsCopy(t *testing.T) {
	accessor, _ := seededAccessor(t)

	first, err := accessor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	first.Weights["fal"] = 0

	second, err := accessor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if second.Weights["fal"] != 0.7 {
		t.Error("Snapshot mutation leaked into later reads")
	}
}

func TestAccessor_UpdateBumpsVersionAndNormalizes(t *testing.T) {
	accessor, _ := seededAccessor(t)

	updated, err := accessor.Update(context.Background(), func(cfg *types.RoutingConfig) error {
		cfg.Weights = map[types.ProviderID]float64{"fal": 2, "runware": 2}
		cfg.Degraded = true
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Expected version 2, got %d", updated.Version)
	}
	if updated.Weights["fal"] != 0.5 {
		t.Errorf("Weights not normalized on update: %+v", updated.Weights)
	}
	if !updated.Degraded {
		t.Error("Mutation not applied")
	}
}

// conflictingStore forces CAS conflicts for the first n writes.
type conflictingStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	s.mu.Lock()
	force := s.conflicts > 0
	if force {
		s.conflicts--
	}
	s.mu.Unlock()
	if force {
		return ErrConflict
	}
	return s.MemoryStore.CompareAndSwap(ctx, key, old, new)
}

func TestAccessor_UpdateRetriesOnConflict(t *testing.T) {
	accessor, _ := seededAccessor(t)
	base := accessor.store.(*MemoryStore)
	accessor.store = &conflictingStore{MemoryStore: base, conflicts: 2}

	updated, err := accessor.Update(context.Background(), func(cfg *types.RoutingConfig) error {
		cfg.Degraded = true
		return nil
	})
	if err != nil {
		t.Fatalf("Update should survive transient conflicts: %v", err)
	}
	if !updated.Degraded {
		t.Error("Mutation not applied after retries")
	}
}

func TestAccessor_UpdateGivesUpAfterBoundedRetries(t *testing.T) {
	accessor, _ := seededAccessor(t)
	base := accessor.store.(*MemoryStore)
	accessor.store = &conflictingStore{MemoryStore: base, conflicts: 100}

	_, err := accessor.Update(context.Background(), func(cfg *types.RoutingConfig) error {
		cfg.Degraded = true
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected conflict error after bounded retries, got %v", err)
	}
}

// downStore fails every read, to exercise the cached fallback.
type downStore struct{}

func (downStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("store unreachable")
}

func (downStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	return errors.New("store unreachable")
}

func TestAccessor_SnapshotServesCachedOnStoreFailure(t *testing.T) {
	accessor, _ := seededAccessor(t)

	// Warm the cache, then take the store down.
	if _, err := accessor.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	accessor.store = downStore{}

	cfg, err := accessor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Expected cached config, got error: %v", err)
	}
	if cfg.Weights["fal"] != 0.7 {
		t.Errorf("Cached config has wrong weights: %+v", cfg.Weights)
	}
}

func TestAccessor_SnapshotFailsWithoutCache(t *testing.T) {
	accessor := NewAccessor(downStore{}, testLogger())
	_, err := accessor.Snapshot(context.Background())
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("Expected ErrNoConfig, got %v", err)
	}
}

func TestSQLiteStore_CompareAndSwap(t *testing.T) {
	store, err := OpenSQLite(t.TempDir() + "/config.db")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.CompareAndSwap(ctx, "k", nil, []byte("v1")); err != nil {
		t.Fatalf("Insert CAS failed: %v", err)
	}
	if err := store.CompareAndSwap(ctx, "k", nil, []byte("v2")); !errors.Is(err, ErrConflict) {
		t.Errorf("Second insert should conflict, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("Valid CAS failed: %v", err)
	}
	v, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v2" {
		t.Errorf("Get after CAS: v=%s ok=%v err=%v", v, ok, err)
	}
}
