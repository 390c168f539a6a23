// Package kvstore defines the key-value storage substrate the engine persists into:
// reference faces, the result cache blob, settings and the current database fingerprint.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store is closed")

// Change describes a single key write or removal. NewValue is nil for removals,
// OldValue is nil when the key did not exist (or is unknown to the observer).
type Change struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool {
	return c.NewValue == nil
}

// Store is a persistent key-value store with a change feed.
type Store interface {
	// Get returns the values for the requested keys. Missing keys are absent from the map.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes all entries of the map.
	Set(ctx context.Context, entries map[string][]byte) error
	// Remove deletes the given keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	// Subscribe delivers every change made by any writer until ctx is cancelled.
	Subscribe(ctx context.Context) <-chan Change
	// Close releases resources and closes all subscriptions.
	Close() error
}

// GetJSON decodes the value stored under key into v.
// Returns false when the key does not exist.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	values, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, map[string][]byte{key: raw})
}
