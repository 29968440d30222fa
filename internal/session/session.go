// Package session persists the small amount of per-user state the shell
// needs across restarts: the tenant (store) id and the default printer.
package session

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Well-known keys.
const (
	KeyStoreID        = "storeId"
	KeyDefaultPrinter = "defaultPrinter"
)

// Store is a SQLite-backed key/value store (modernc.org/sqlite, CGO-free).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty session store path")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, err
		}
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.ExecContext(ctx, "PRAGMA busy_timeout=3000;")

	s := &Store{db: d}
	if err := s.ensureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_state(
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`)
	return err
}

// DB exposes the handle so other sinks can share the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Get returns the value for key, or "" when the key was never set.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM session_state WHERE key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Set stores value under key. An empty value deletes the key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_state WHERE key = ?;`, key)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;`,
		key, value, time.Now().UTC())
	return err
}

// All returns every stored key.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM session_state;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// StoreID returns the tenant id; "" means tenant topics are not subscribed.
func (s *Store) StoreID(ctx context.Context) (string, error) { return s.Get(ctx, KeyStoreID) }

// DefaultPrinter returns the saved printer name, or "".
func (s *Store) DefaultPrinter(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyDefaultPrinter)
}
