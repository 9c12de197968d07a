package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pixelmint/genroute/internal/types"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	occurred_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_type_time ON events (type, occurred_at);
`

// SQLiteLog is a durable Log backed by a sqlite database. Payloads are stored
// as JSON and decoded back into their typed variants on read.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a sqlite-backed event log at the given DSN.
func OpenSQLite(dsn string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, event types.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Type, err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (id, type, subject_id, occurred_at, payload) VALUES (?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.SubjectID, event.OccurredAt.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Query(ctx context.Context, t types.EventType, since, until time.Time) ([]types.Event, error) {
	q := `SELECT id, subject_id, occurred_at, payload FROM events WHERE type = ? AND occurred_at >= ?`
	args := []any{string(t), since.UnixMilli()}
	if !until.IsZero() {
		q += ` AND occurred_at <= ?`
		args = append(args, until.UnixMilli())
	}
	q += ` ORDER BY occurred_at`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			e       types.Event
			ms      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &e.SubjectID, &ms, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = t
		e.OccurredAt = time.UnixMilli(ms).UTC()
		p, err := types.DecodePayload(t, []byte(payload))
		if err != nil {
			return nil, err
		}
		e.Payload = p
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
