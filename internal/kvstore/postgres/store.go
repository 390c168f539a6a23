// Package postgres implements kvstore.Store on PostgreSQL. Writes are announced with
// pg_notify so every process sharing the database sees the same change feed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-blocker/internal/config"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/logger"
	"github.com/lib/pq"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying key changes.
const NotifyChannel = "kv_store_changes"

// notification is the pg_notify payload. Values are not included because
// NOTIFY payloads are limited to 8000 bytes.
type notification struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Removed bool   `json:"removed,omitempty"`
}

// Store is a PostgreSQL-backed kvstore.Store.
type Store struct {
	kvstore.Feed

	pool     *Pool
	listener *pq.Listener
	origin   string
	log      *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open connects to the database, applies pending migrations and starts listening
// for changes made by other writers.
func Open(ctx context.Context, cfg *config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	log = logger.OrNop(log)

	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	applied, err := pool.Migrate(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating kv store: %w", err)
	}
	for _, name := range applied {
		log.Info("applied migration", "name", name)
	}

	listener := pq.NewListener(cfg.URL, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("kv listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		pool.Close()
		return nil, fmt.Errorf("listening on %s: %w", NotifyChannel, err)
	}

	s := &Store{
		pool:     pool,
		listener: listener,
		origin:   uuid.NewString(),
		log:      log,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.listen()
	return s, nil
}

// Get returns the stored values for keys.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if s.isClosed() {
		return nil, kvstore.ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.DB().QueryContext(ctx,
		`SELECT key, value FROM kv_store WHERE key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys: %w", err)
	}
	return out, nil
}

// Set upserts all entries in one transaction and notifies other writers.
func (s *Store) Set(ctx context.Context, entries map[string][]byte) error {
	if s.isClosed() {
		return kvstore.ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	changes := make([]kvstore.Change, 0, len(entries))
	for k, v := range entries {
		if v == nil {
			v = []byte{}
		}
		old, err := selectForUpdate(ctx, tx, k)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, k, v); err != nil {
			return fmt.Errorf("writing %s: %w", k, err)
		}
		if err := s.notify(ctx, tx, notification{Key: k, Origin: s.origin}); err != nil {
			return err
		}
		changes = append(changes, kvstore.Change{Key: k, OldValue: old, NewValue: v})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.Publish(changes...)
	return nil
}

// Remove deletes keys and notifies other writers about the ones that existed.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if s.isClosed() {
		return kvstore.ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var changes []kvstore.Change
	for _, k := range keys {
		var old []byte
		err := tx.QueryRowContext(ctx, `DELETE FROM kv_store WHERE key = $1 RETURNING value`, k).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("removing %s: %w", k, err)
		}
		if err := s.notify(ctx, tx, notification{Key: k, Origin: s.origin, Removed: true}); err != nil {
			return err
		}
		changes = append(changes, kvstore.Change{Key: k, OldValue: old})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.Publish(changes...)
	return nil
}

// Close stops the listener, closes the pool and ends all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	lerr := s.listener.Close()
	s.wg.Wait()
	s.CloseFeed()

	if err := s.pool.Close(); err != nil {
		return err
	}
	if lerr != nil {
		return fmt.Errorf("closing listener: %w", lerr)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) notify(ctx context.Context, tx *sql.Tx, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notifying %s: %w", n.Key, err)
	}
	return nil
}

func selectForUpdate(ctx context.Context, tx *sql.Tx, key string) ([]byte, error) {
	var old []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = $1 FOR UPDATE`, key).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return old, nil
}

// listen turns notifications from other writers into changes on the feed.
// Notifications carry only the key, so the new value is read back.
func (s *Store) listen() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Connection was re-established; notifications may have been lost.
				s.log.Warn("kv listener reconnected")
				continue
			}
			s.handle(n.Extra)
		}
	}
}

func (s *Store) handle(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.log.Warn("invalid kv notification", "payload", payload, "error", err)
		return
	}
	if n.Origin == s.origin {
		return
	}

	if n.Removed {
		s.Publish(kvstore.Change{Key: n.Key})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	values, err := s.Get(ctx, n.Key)
	if err != nil {
		s.log.Warn("reading changed key", "key", n.Key, "error", err)
		return
	}
	v, ok := values[n.Key]
	if !ok {
		// Removed again before we could read it.
		s.Publish(kvstore.Change{Key: n.Key})
		return
	}
	s.Publish(kvstore.Change{Key: n.Key, NewValue: v})
}
