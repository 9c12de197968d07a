package payments

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// OrderState is the storefront-visible order record.
type OrderState struct {
	OrderID        string
	CaptureID      string
	Paid           bool
	AssetsUnlocked bool
	PaidAt         time.Time
}

// MemoryOrderStore keeps order state in process, for tests and the simulator
// deployment profile.
type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]*OrderState
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*OrderState)}
}

func (s *MemoryOrderStore) MarkPaid(ctx context.Context, orderID, captureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.get(orderID)
	o.CaptureID = captureID
	o.Paid = true
	o.PaidAt = time.Now().UTC()
	return nil
}

func (s *MemoryOrderStore) UnlockAssets(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(orderID).AssetsUnlocked = true
	return nil
}

// Get returns a copy of the order state, if any.
func (s *MemoryOrderStore) Get(orderID string) (OrderState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return OrderState{}, false
	}
	return *o, true
}

func (s *MemoryOrderStore) get(orderID string) *OrderState {
	o, ok := s.orders[orderID]
	if !ok {
		o = &OrderState{OrderID: orderID}
		s.orders[orderID] = o
	}
	return o
}

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	capture_id TEXT NOT NULL DEFAULT '',
	paid INTEGER NOT NULL DEFAULT 0,
	assets_unlocked INTEGER NOT NULL DEFAULT 0,
	paid_at INTEGER
);
`

// SQLiteOrderStore is a durable OrderStore. Mutations are upserts so a
// replayed webhook converges on the same row instead of failing.
type SQLiteOrderStore struct {
	db *sql.DB
}

func OpenSQLiteOrderStore(dsn string) (*SQLiteOrderStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open order store: %w", err)
	}
	if _, err := db.Exec(ordersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate order store: %w", err)
	}
	return &SQLiteOrderStore{db: db}, nil
}

// NewSQLiteOrderStore wraps an existing handle so the order table can share a
// database file with the event log.
func NewSQLiteOrderStore(db *sql.DB) (*SQLiteOrderStore, error) {
	if _, err := db.Exec(ordersSchema); err != nil {
		return nil, fmt.Errorf("migrate order store: %w", err)
	}
	return &SQLiteOrderStore{db: db}, nil
}

func (s *SQLiteOrderStore) MarkPaid(ctx context.Context, orderID, captureID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, capture_id, paid, paid_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (order_id) DO UPDATE SET capture_id = excluded.capture_id, paid = 1, paid_at = excluded.paid_at`,
		orderID, captureID, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark paid %s: %w", orderID, err)
	}
	return nil
}

func (s *SQLiteOrderStore) UnlockAssets(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, assets_unlocked) VALUES (?, 1)
		ON CONFLICT (order_id) DO UPDATE SET assets_unlocked = 1`, orderID)
	if err != nil {
		return fmt.Errorf("unlock assets %s: %w", orderID, err)
	}
	return nil
}

func (s *SQLiteOrderStore) Close() error {
	return s.db.Close()
}
