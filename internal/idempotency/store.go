// Package idempotency is the dedup ledger behind payment capture and webhook
// ingestion. A key maps to exactly one outcome: the first writer reserves it,
// commits a result, and every later attempt with the same key observes that
// result instead of re-executing the side effect.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrReservationHeld means another in-flight attempt holds a live reservation
// for the key. The caller backs off; if the holder crashed, the lease expiry
// makes the key reservable again.
var ErrReservationHeld = errors.New("idempotency: reservation held")

// Result is the recorded outcome for a committed key.
type Result struct {
	ResourceID string `json:"resource_id"`
	Status     string `json:"status"`
}

type recordState string

const (
	stateReserved  recordState = "reserved"
	stateCommitted recordState = "committed"
)

// Record is one ledger entry.
type Record struct {
	Key            string
	State          recordState
	Result         *Result
	CreatedAt      time.Time
	LeaseExpiresAt time.Time
}

// Store is the ledger interface. CheckAndReserve returns (true, result) for a
// committed key without reserving; for an absent or lease-expired key it
// takes the reservation and returns (false, nil). A live reservation held by
// someone else yields ErrReservationHeld.
type Store interface {
	CheckAndReserve(ctx context.Context, key string, lease time.Duration) (alreadyProcessed bool, prior *Result, err error)
	Commit(ctx context.Context, key string, result Result) error
}

// MemoryStore is the in-process ledger used in tests and simulator-only mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

func (s *MemoryStore) CheckAndReserve(ctx context.Context, key string, lease time.Duration) (bool, *Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key]
	if ok {
		switch rec.State {
		case stateCommitted:
			r := *rec.Result
			return true, &r, nil
		case stateReserved:
			if now.Before(rec.LeaseExpiresAt) {
				return false, nil, ErrReservationHeld
			}
			// Stale reservation from a crashed attempt; take it over.
		}
	}
	s.records[key] = &Record{
		Key:            key,
		State:          stateReserved,
		CreatedAt:      now,
		LeaseExpiresAt: now.Add(lease),
	}
	return false, nil, nil
}

func (s *MemoryStore) Commit(ctx context.Context, key string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Key: key, CreatedAt: s.now()}
		s.records[key] = rec
	}
	rec.State = stateCommitted
	r := result
	rec.Result = &r
	return nil
}

// SetClock overrides the time source, for lease-expiry tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
