package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/facematch"
	"github.com/kozaktomas/face-blocker/internal/fingerprint"
	"github.com/kozaktomas/face-blocker/internal/imagecache"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
)

// fakeMatcher returns canned outcomes by source.
type fakeMatcher struct {
	mu       sync.Mutex
	outcomes map[string]facematch.Outcome
	calls    atomic.Int32

	// When gate is set Evaluate signals started and blocks until gate is closed.
	gate    chan struct{}
	started chan struct{}
}

func newFakeMatcher() *fakeMatcher {
	return &fakeMatcher{outcomes: make(map[string]facematch.Outcome)}
}

func (m *fakeMatcher) set(src string, o facematch.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[src] = o
}

func (m *fakeMatcher) match(src, name string) {
	m.set(src, facematch.Outcome{Faces: 1, Matches: 1, Names: []string{name}, Distance: 0.3})
}

func (m *fakeMatcher) Evaluate(ctx context.Context, src string, refs []database.ReferenceFace, threshold float64) facematch.Outcome {
	m.calls.Add(1)
	if m.gate != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
		select {
		case <-m.gate:
		case <-ctx.Done():
			return facematch.Outcome{Names: []string{}}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outcomes[src]; ok {
		return o
	}
	return facematch.Outcome{Names: []string{}}
}

func newTestDecider(t *testing.T) (*Decider, *fakeMatcher, *imagecache.Cache) {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })
	cache := imagecache.New(store)
	matcher := newFakeMatcher()
	return NewDecider(cache, matcher, fingerprint.NewMemo(16), nil), matcher, cache
}

func TestDecider_MissThenHit(t *testing.T) {
	ctx := context.Background()
	d, matcher, _ := newTestDecider(t)
	matcher.match("https://example.com/a.jpg", "A")

	first, err := d.Decide(ctx, "https://example.com/a.jpg", nil, "db1", 0.6)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if first.Cached || !first.Block || first.Name() != "A" {
		t.Errorf("first verdict = %+v, want uncached block of A", first)
	}
	if first.Reason != imagecache.ReasonNoEntry {
		t.Errorf("Reason = %q, want %q", first.Reason, imagecache.ReasonNoEntry)
	}
	if first.ImageFP != fingerprint.Image("https://example.com/a.jpg") {
		t.Errorf("ImageFP = %q", first.ImageFP)
	}

	second, err := d.Decide(ctx, "https://example.com/a.jpg", nil, "db1", 0.6)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !second.Cached || !second.Block || second.Name() != "A" {
		t.Errorf("second verdict = %+v, want cached block of A", second)
	}
	if got := matcher.calls.Load(); got != 1 {
		t.Errorf("Evaluate calls = %d, want 1", got)
	}
}

func TestDecider_NoFaceIsCached(t *testing.T) {
	ctx := context.Background()
	d, matcher, cache := newTestDecider(t)

	for range 3 {
		v, err := d.Decide(ctx, "https://example.com/landscape.jpg", nil, "db1", 0.6)
		if err != nil {
			t.Fatalf("Decide() error = %v", err)
		}
		if v.Block {
			t.Errorf("verdict = %+v, want no block", v)
		}
	}
	if got := matcher.calls.Load(); got != 1 {
		t.Errorf("Evaluate calls = %d, want 1", got)
	}
	stats, err := cache.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalEntries != 1 || stats.WithFaces != 0 {
		t.Errorf("stats = %+v, want one faceless entry", stats)
	}
}

func TestDecider_DatabaseChangeReevaluates(t *testing.T) {
	ctx := context.Background()
	d, matcher, _ := newTestDecider(t)

	if _, err := d.Decide(ctx, "https://example.com/a.jpg", nil, "db1", 0.6); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	matcher.match("https://example.com/a.jpg", "B")

	v, err := d.Decide(ctx, "https://example.com/a.jpg", nil, "db2", 0.6)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if v.Cached || v.Reason != imagecache.ReasonDatabaseChanged {
		t.Errorf("verdict = %+v, want miss because the database changed", v)
	}
	if !v.Block || v.Name() != "B" {
		t.Errorf("verdict = %+v, want block of B", v)
	}
}

func TestDecider_CancelledEvaluationIsNotCached(t *testing.T) {
	d, matcher, cache := newTestDecider(t)
	matcher.gate = make(chan struct{})
	matcher.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Decide(ctx, "https://example.com/a.jpg", nil, "db1", 0.6)
		done <- err
	}()
	<-matcher.started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Decide() error = %v, want context.Canceled", err)
	}
	stats, err := cache.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalEntries != 0 {
		t.Errorf("TotalEntries = %d, want 0", stats.TotalEntries)
	}
}

func TestDecider_DetectionFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	d, matcher, cache := newTestDecider(t)
	const src = "https://example.com/a.jpg"
	matcher.set(src, facematch.Outcome{Names: []string{}, Err: errors.New("connection refused")})

	v, err := d.Decide(ctx, src, nil, "db1", 0.6)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if v.Block || v.Cached {
		t.Errorf("verdict = %+v, want uncached pass-through", v)
	}
	stats, err := cache.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalEntries != 0 {
		t.Errorf("TotalEntries = %d, want 0 after a detection failure", stats.TotalEntries)
	}

	matcher.match(src, "A")
	v, err = d.Decide(ctx, src, nil, "db1", 0.6)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if v.Cached || !v.Block || v.Name() != "A" {
		t.Errorf("verdict = %+v, want fresh block of A once detection works", v)
	}
	if got := matcher.calls.Load(); got != 2 {
		t.Errorf("Evaluate calls = %d, want 2", got)
	}
}

func TestVerdict_Name(t *testing.T) {
	if got := (Verdict{}).Name(); got != "" {
		t.Errorf("Name() = %q, want empty", got)
	}
	if got := (Verdict{Names: []string{"A", "B"}}).Name(); got != "A" {
		t.Errorf("Name() = %q, want A", got)
	}
}
