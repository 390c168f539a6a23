// Package sqlite implements kvstore.Store on a single SQLite file.
// Changes are published to subscribers of this process only.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/kozaktomas/face-blocker/internal/kvstore"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Store is a SQLite-backed kvstore.Store.
type Store struct {
	kvstore.Feed

	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating when needed) the database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the stored values for keys.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if s.isClosed() {
		return nil, kvstore.ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		var v []byte
		err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, k).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Set upserts all entries in one transaction.
func (s *Store) Set(ctx context.Context, entries map[string][]byte) error {
	if s.isClosed() {
		return kvstore.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	changes := make([]kvstore.Change, 0, len(entries))
	for k, v := range entries {
		if v == nil {
			v = []byte{}
		}
		var old []byte
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, k).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		`, k, v); err != nil {
			return fmt.Errorf("writing %s: %w", k, err)
		}
		changes = append(changes, kvstore.Change{Key: k, OldValue: old, NewValue: v})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.Publish(changes...)
	return nil
}

// Remove deletes keys. Missing keys are ignored.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if s.isClosed() {
		return kvstore.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var changes []kvstore.Change
	for _, k := range keys {
		var old []byte
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, k).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, k); err != nil {
			return fmt.Errorf("removing %s: %w", k, err)
		}
		changes = append(changes, kvstore.Change{Key: k, OldValue: old})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.Publish(changes...)
	return nil
}

// Close closes the database and ends all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.CloseFeed()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite database: %w", err)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
