package facematch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrHandleClosed is returned by Acquire after Close.
var ErrHandleClosed = errors.New("model handle is closed")

// ModelHandle owns the lifecycle of the detection model. The model is loaded on
// first Acquire; concurrent callers share one in-flight load and a failed load
// is retried by the next caller. Each successful Acquire holds a reference until
// its release func is called; after Close the model is unloaded once the last
// reference is released.
type ModelHandle struct {
	loader Loader
	group  singleflight.Group

	mu     sync.Mutex
	loaded bool
	closed bool
	refs   int
	loads  int
}

// NewModelHandle creates a handle over loader. A nil loader means the model needs
// no preparation.
func NewModelHandle(loader Loader) *ModelHandle {
	return &ModelHandle{loader: loader}
}

// Acquire makes sure the model is loaded and takes a reference.
func (h *ModelHandle) Acquire(ctx context.Context) (release func(), err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	if h.loaded || h.loader == nil {
		h.refs++
		h.mu.Unlock()
		return h.releaser(), nil
	}
	h.mu.Unlock()

	// The load outlives any single caller's context so one impatient caller
	// does not fail the load for everyone waiting on it.
	ch := h.group.DoChan("load", func() (any, error) {
		h.mu.Lock()
		h.loads++
		h.mu.Unlock()

		if err := h.loader.Load(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.loaded = true
		h.mu.Unlock()
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("loading face model: %w", res.Err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	h.refs++
	return h.releaser(), nil
}

func (h *ModelHandle) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			h.refs--
			unload := h.closed && h.refs == 0 && h.loaded
			if unload {
				h.loaded = false
			}
			h.mu.Unlock()
			if unload {
				h.unload()
			}
		})
	}
}

// Loaded reports whether the model is currently loaded.
func (h *ModelHandle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

// Refs returns the number of outstanding references.
func (h *ModelHandle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Loads returns how many times the loader was invoked.
func (h *ModelHandle) Loads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loads
}

// Close rejects new acquisitions and unloads the model when no references remain.
func (h *ModelHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	unload := h.refs == 0 && h.loaded
	if unload {
		h.loaded = false
	}
	h.mu.Unlock()
	if unload {
		h.unload()
	}
}

func (h *ModelHandle) unload() {
	if u, ok := h.loader.(Unloader); ok {
		_ = u.Unload(context.Background())
	}
}
