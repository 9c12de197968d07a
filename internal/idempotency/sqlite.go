package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS idempotency (
	key TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	resource_id TEXT,
	status TEXT,
	created_at INTEGER NOT NULL,
	lease_expires_at INTEGER NOT NULL
);
`

// SQLiteStore is a durable ledger backed by sqlite. Reservation takeover is a
// conditional write so that concurrent processes race safely.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate idempotency store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CheckAndReserve(ctx context.Context, key string, lease time.Duration) (bool, *Result, error) {
	now := time.Now()
	expires := now.Add(lease)

	// Fresh key: plain insert wins the reservation.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, state, created_at, lease_expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, string(stateReserved), now.UnixMilli(), expires.UnixMilli())
	if err != nil {
		return false, nil, fmt.Errorf("reserve %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil, nil
	}

	var (
		state      string
		resourceID sql.NullString
		status     sql.NullString
		leaseMs    int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT state, resource_id, status, lease_expires_at FROM idempotency WHERE key = ?`, key).
		Scan(&state, &resourceID, &status, &leaseMs)
	if err != nil {
		return false, nil, fmt.Errorf("read %s: %w", key, err)
	}

	if recordState(state) == stateCommitted {
		return true, &Result{ResourceID: resourceID.String, Status: status.String}, nil
	}
	if now.UnixMilli() < leaseMs {
		return false, nil, ErrReservationHeld
	}

	// Stale reservation; take it over, guarded on the old lease so only one
	// re-attempt wins.
	res, err = s.db.ExecContext(ctx,
		`UPDATE idempotency SET lease_expires_at = ?, created_at = ? WHERE key = ? AND state = ? AND lease_expires_at = ?`,
		expires.UnixMilli(), now.UnixMilli(), key, string(stateReserved), leaseMs)
	if err != nil {
		return false, nil, fmt.Errorf("re-reserve %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil, ErrReservationHeld
	}
	return false, nil, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, key string, result Result) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, state, resource_id, status, created_at, lease_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET state = excluded.state, resource_id = excluded.resource_id, status = excluded.status`,
		key, string(stateCommitted), result.ResourceID, result.Status, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
