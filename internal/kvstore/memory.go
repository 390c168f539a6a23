package kvstore

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process Store. It is the default backend and the one tests use.
type Memory struct {
	Feed

	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns copies of the stored values.
func (m *Memory) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = bytes.Clone(v)
		}
	}
	return out, nil
}

// Set stores copies of the given values and publishes one change per key.
func (m *Memory) Set(ctx context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	changes := make([]Change, 0, len(entries))
	for k, v := range entries {
		old := m.data[k]
		nv := bytes.Clone(v)
		if nv == nil {
			nv = []byte{}
		}
		m.data[k] = nv
		changes = append(changes, Change{Key: k, OldValue: old, NewValue: bytes.Clone(nv)})
	}
	m.mu.Unlock()

	m.Publish(changes...)
	return nil
}

// Remove deletes keys and publishes a change for each key that existed.
func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var changes []Change
	for _, k := range keys {
		if old, ok := m.data[k]; ok {
			delete(m.data, k)
			changes = append(changes, Change{Key: k, OldValue: old})
		}
	}
	m.mu.Unlock()

	m.Publish(changes...)
	return nil
}

// Close marks the store closed and ends all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseFeed()
	return nil
}
