package configstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS config_kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// SQLiteStore is a durable Store backed by sqlite. Compare-and-swap is a
// conditional UPDATE/INSERT, so concurrent writers lose cleanly with
// ErrConflict rather than clobbering each other.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	if _, err := db.Exec(kvSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate config store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO config_kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`, key, new)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE config_kv SET value = ? WHERE key = ? AND value = ?`, new, key, old)
	}
	if err != nil {
		return fmt.Errorf("cas %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas %s: %w", key, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
