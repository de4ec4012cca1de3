package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_counters (
  key TEXT PRIMARY KEY,
  count INTEGER NOT NULL,
  window_start INTEGER NOT NULL,
  window_ns INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_entries (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_entries_expires_at ON kv_entries (expires_at);`

// The increment and the window reset happen in one statement, so two instances
// sharing the database file can never lose an update.
const incrWindow = `
INSERT INTO kv_counters (key, count, window_start, window_ns) VALUES (?1, 1, ?2, ?3)
ON CONFLICT(key) DO UPDATE SET
  count = CASE WHEN ?2 >= kv_counters.window_start + kv_counters.window_ns THEN 1 ELSE kv_counters.count + 1 END,
  window_start = CASE WHEN ?2 >= kv_counters.window_start + kv_counters.window_ns THEN ?2 ELSE kv_counters.window_start END,
  window_ns = ?3
RETURNING count, window_start;`

// SQLite is a Store on a sqlite database, shared by every instance that opens the
// same file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates the kv tables on db if needed. The caller owns db.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create kv tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	var count, start int64
	err := s.db.QueryRowContext(ctx, incrWindow, key, now.UnixNano(), int64(window)).Scan(&count, &start)
	if err != nil {
		return Counter{}, fmt.Errorf("increment counter %q: %w", key, err)
	}
	return Counter{Count: count, WindowStart: time.Unix(0, start)}, nil
}

func (s *SQLite) Get(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE key = ?`, key).Scan(&value, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	if expiresAt <= now.UnixNano() {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ? AND expires_at <= ?`, key, now.UnixNano()); err != nil {
			return nil, false, fmt.Errorf("evict %q: %w", key, err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at;`,
		key, value, now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Sweep(ctx context.Context, now time.Time) (int, error) {
	ts := now.UnixNano()
	removed := 0
	for _, q := range []string{
		`DELETE FROM kv_entries WHERE expires_at <= ?`,
		`DELETE FROM kv_counters WHERE window_start + window_ns <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, ts)
		if err != nil {
			return removed, fmt.Errorf("sweep: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("sweep rows affected: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Close is a no-op; the database handle belongs to the caller.
func (s *SQLite) Close() error { return nil }
