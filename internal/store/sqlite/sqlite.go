// Package sqlite keeps lockout state and audit events in a local SQLite file
// for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/kv"
)

const schema = `
CREATE TABLE IF NOT EXISTS guard_kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	occurred_at TEXT NOT NULL,
	event       TEXT NOT NULL,
	data        TEXT NOT NULL,
	user_agent  TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	referrer    TEXT NOT NULL DEFAULT '',
	ip          TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at);
`

// Store implements kv.Store and audit.Sink on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ kv.Store   = (*Store)(nil)
	_ audit.Sink = (*Store)(nil)
)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Every pooled connection to ":memory:" would see its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "sqlite"), now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM guard_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.logger.Debug("sql", "op", "upsert", "table", "guard_kv", "key", key)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guard_kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.logger.Debug("sql", "op", "delete", "table", "guard_kv", "key", key)
	_, err := s.db.ExecContext(ctx, `DELETE FROM guard_kv WHERE key = ?`, key)
	return err
}

// WriteEvent stores an audit event. Replays of the same id are ignored.
func (s *Store) WriteEvent(ctx context.Context, e audit.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_events (id, occurred_at, event, data, user_agent, url, referrer, ip, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Kind), string(data),
		e.UserAgent, e.URL, e.Referrer, e.IP, e.RequestID)
	return err
}

// RecentEvents returns up to limit stored events, newest first.
func (s *Store) RecentEvents(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, occurred_at, event, data, user_agent, url, referrer, ip, request_id
		 FROM audit_events
		 WHERE (? = '' OR event = ?)
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`, string(kind), string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e               audit.Event
			occurred, event string
			data            string
		)
		if err := rows.Scan(&e.ID, &occurred, &event, &data, &e.UserAgent, &e.URL, &e.Referrer, &e.IP, &e.RequestID); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at %s: %w", e.ID, err)
		}
		e.Timestamp = ts
		e.Kind = audit.Kind(event)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal audit data %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
