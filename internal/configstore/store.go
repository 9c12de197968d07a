// Package configstore holds the small key/value configuration store and the
// routing-config accessor the router and degradation controller share.
package configstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// ErrConflict is returned by CompareAndSwap when the stored value no longer
// matches old. Callers re-read and retry.
var ErrConflict = errors.New("configstore: compare-and-swap conflict")

// Store is a key/value store with atomic compare-and-swap. Values are opaque
// bytes; callers own encoding.
type Store interface {
	// Get returns the value for key, with ok=false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// CompareAndSwap replaces the value for key only if the stored value
	// equals old. A nil old asserts the key is absent (insert).
	CompareAndSwap(ctx context.Context, key string, old, new []byte) error
}

// MemoryStore is an in-process Store for tests and simulator-only mode.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.values[key]
	if old == nil {
		if exists {
			return ErrConflict
		}
	} else if !exists || !bytes.Equal(cur, old) {
		return ErrConflict
	}
	stored := make([]byte, len(new))
	copy(stored, new)
	s.values[key] = stored
	return nil
}
