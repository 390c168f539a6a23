package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kozaktomas/face-blocker/internal/config"
	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/fingerprint"
	"github.com/kozaktomas/face-blocker/internal/imagecache"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/page"
	"github.com/kozaktomas/face-blocker/internal/settings"
)

var testDefaults = config.SettingsDefaults{
	BlockingEnabled:     true,
	MaxScans:            10,
	MinWidth:            200,
	MinHeight:           200,
	SimilarityThreshold: 0.6,
}

const testPage = `<html><body>
<img src="https://example.com/a.jpg" width="300" height="300">
<img src="https://example.com/b.jpg" width="300" height="300">
<img src="https://example.com/icon.png" width="100" height="300">
</body></html>`

type fixture struct {
	store   *kvstore.Memory
	repo    *database.ReferenceRepository
	cache   *imagecache.Cache
	matcher *fakeMatcher
	doc     *page.Document
	scanner *Scanner
}

func newFixture(t *testing.T, html string, opts ...Option) *fixture {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })

	doc, err := page.ParseString(html, "")
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	t.Cleanup(doc.Close)

	f := &fixture{
		store:   store,
		repo:    database.NewReferenceRepository(store),
		cache:   imagecache.New(store),
		matcher: newFakeMatcher(),
		doc:     doc,
	}
	opts = append([]Option{WithDefaults(testDefaults), WithDelay(0), WithDebounce(10 * time.Millisecond)}, opts...)
	f.scanner = New(store, f.repo, f.cache, f.matcher, doc, opts...)
	return f
}

func (f *fixture) addReference(t *testing.T, name string) {
	t.Helper()
	_, err := f.repo.Add(context.Background(), database.ReferenceFace{Name: name, Descriptor: []float32{1, 0}})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
}

// idOf returns the element id of the image with the given source.
func (f *fixture) idOf(t *testing.T, src string) string {
	t.Helper()
	for _, im := range f.doc.Images() {
		if im.Src == src {
			return im.ID
		}
	}
	t.Fatalf("no image with src %q", src)
	return ""
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPass_BlocksMatchingImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPage)
	f.addReference(t, "A")
	f.matcher.match("https://example.com/a.jpg", "A")
	idA := f.idOf(t, "https://example.com/a.jpg")
	idB := f.idOf(t, "https://example.com/b.jpg")
	idIcon := f.idOf(t, "https://example.com/icon.png")

	res, err := f.scanner.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	if res.Candidates != 2 || res.Inspected != 2 || res.Blocked != 1 || res.CacheMisses != 2 {
		t.Errorf("result = %+v, want 2 candidates, 2 inspected, 2 misses, 1 blocked", res)
	}
	if res.ID == "" {
		t.Error("pass id is empty")
	}
	if got := f.doc.Placeholders(); !slices.Equal(got, []string{"A"}) {
		t.Errorf("Placeholders() = %v, want [A]", got)
	}
	if _, ok := f.doc.Image(idA); ok {
		t.Error("matched image still in the document")
	}
	if !f.scanner.Marked(idA) || !f.scanner.Marked(idB) {
		t.Error("inspected images are not marked")
	}
	if f.scanner.Marked(idIcon) {
		t.Error("image below the size floor was marked")
	}

	res, err = f.scanner.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	if res.Candidates != 0 {
		t.Errorf("second pass candidates = %d, want 0", res.Candidates)
	}
	if got := f.matcher.calls.Load(); got != 2 {
		t.Errorf("Evaluate calls = %d, want 2", got)
	}
}

func TestPass_ReusesCachedVerdicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPage)
	f.addReference(t, "A")

	if _, err := f.scanner.Pass(ctx); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	f.scanner.ResetMarks()

	res, err := f.scanner.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	if res.CacheHits != 2 || res.CacheMisses != 0 {
		t.Errorf("result = %+v, want 2 hits and no misses", res)
	}
	if got := f.matcher.calls.Load(); got != 2 {
		t.Errorf("Evaluate calls = %d, want 2", got)
	}
}

func TestPass_CapLeavesRestUnmarked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPage)
	f.addReference(t, "A")
	if err := settings.Save(ctx, f.store, settings.Settings{
		BlockingEnabled: true, MaxScans: 1, MinWidth: 50, MinHeight: 50, SimilarityThreshold: 0.6,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	want := []string{
		"https://example.com/a.jpg",
		"https://example.com/b.jpg",
		"https://example.com/icon.png",
	}
	for i, src := range want {
		var inspected []string
		f.scanner.onProgress = func(p Progress) { inspected = append(inspected, p.Image.Src) }

		res, err := f.scanner.Pass(ctx)
		if err != nil {
			t.Fatalf("Pass() error = %v", err)
		}
		if res.Candidates != 1 || !slices.Equal(inspected, []string{src}) {
			t.Errorf("pass %d inspected %v, want [%s]", i, inspected, src)
		}
		for _, later := range want[i+1:] {
			if f.scanner.Marked(f.idOf(t, later)) {
				t.Errorf("pass %d marked %s beyond the cap", i, later)
			}
		}
	}
}

func TestPass_Skipped(t *testing.T) {
	ctx := context.Background()

	t.Run("no references", func(t *testing.T) {
		f := newFixture(t, testPage)
		res, err := f.scanner.Pass(ctx)
		if err != nil {
			t.Fatalf("Pass() error = %v", err)
		}
		if res.Skipped != SkipNoReferences || res.Inspected != 0 {
			t.Errorf("result = %+v, want skipped for no references", res)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, testPage)
		f.addReference(t, "A")
		if err := settings.SetBlockingEnabled(ctx, f.store, false); err != nil {
			t.Fatalf("SetBlockingEnabled() error = %v", err)
		}
		res, err := f.scanner.Pass(ctx)
		if err != nil {
			t.Fatalf("Pass() error = %v", err)
		}
		if res.Skipped != SkipDisabled || res.Inspected != 0 {
			t.Errorf("result = %+v, want skipped while disabled", res)
		}
		if f.scanner.Enabled() {
			t.Error("Enabled() = true after a disabled pass")
		}
	})

	t.Run("disabled during pass", func(t *testing.T) {
		f := newFixture(t, testPage)
		f.addReference(t, "A")
		f.scanner.onProgress = func(Progress) { f.scanner.SetEnabled(false) }
		res, err := f.scanner.Pass(ctx)
		if err != nil {
			t.Fatalf("Pass() error = %v", err)
		}
		if res.Skipped != SkipInterrupted || res.Inspected != 1 {
			t.Errorf("result = %+v, want one inspected then interrupted", res)
		}
		if f.scanner.Marked(f.idOf(t, "https://example.com/b.jpg")) {
			t.Error("image after the interruption was marked")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t, testPage)
		f.addReference(t, "A")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := f.scanner.Pass(cctx); !errors.Is(err, context.Canceled) {
			t.Errorf("Pass() error = %v, want context.Canceled", err)
		}
	})
}

func TestPass_PersistsDatabaseFingerprint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPage)
	f.addReference(t, "A")

	if _, err := f.scanner.Pass(ctx); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	refs, err := f.repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got, err := f.cache.DatabaseFingerprint(ctx)
	if err != nil {
		t.Fatalf("DatabaseFingerprint() error = %v", err)
	}
	if want := fingerprint.References(refs); got != want {
		t.Errorf("stored fingerprint = %q, want %q", got, want)
	}
}

func TestPass_ReferenceChangeInvalidatesVerdicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPage)
	f.addReference(t, "A")
	if _, err := f.scanner.Pass(ctx); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}

	f.addReference(t, "B")
	f.matcher.match("https://example.com/b.jpg", "B")
	f.scanner.ResetMarks()

	res, err := f.scanner.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	if res.CacheMisses != 2 || res.Blocked != 1 {
		t.Errorf("result = %+v, want 2 misses and 1 blocked", res)
	}
	if got := f.doc.Placeholders(); !slices.Equal(got, []string{"B"}) {
		t.Errorf("Placeholders() = %v, want [B]", got)
	}
}

func TestHandleChange_DescriptorOnlyUpdateKeepsMarks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPage)
	added, err := f.repo.Add(ctx, database.ReferenceFace{Name: "A", DataURL: "data:image/png;base64,AAAA"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := f.scanner.Pass(ctx); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	idA := f.idOf(t, "https://example.com/a.jpg")

	refs := slices.Clone(added)
	refs[0].Descriptor = []float32{0.5, 0.5}
	raw, err := json.Marshal(refs)
	if err != nil {
		t.Fatal(err)
	}
	f.scanner.handleChange(ctx, kvstore.Change{Key: constants.KeyReferenceFaces, NewValue: raw})
	if !f.scanner.Marked(idA) {
		t.Error("descriptor update reset the marks")
	}

	refs = append(refs, database.ReferenceFace{Name: "B", DataURL: "data:image/png;base64,BBBB"})
	raw, err = json.Marshal(refs)
	if err != nil {
		t.Fatal(err)
	}
	f.scanner.handleChange(ctx, kvstore.Change{Key: constants.KeyReferenceFaces, NewValue: raw})
	f.scanner.Wait()
	if got := f.scanner.Status().Passes; got != 2 {
		t.Errorf("Passes = %d, want 2 after a reference change", got)
	}
}

func TestTrigger_CollapsesIntoOneFollowUp(t *testing.T) {
	f := newFixture(t, `<body><img src="https://example.com/a.jpg" width="300" height="300"></body>`)
	f.addReference(t, "A")
	f.matcher.gate = make(chan struct{})
	f.matcher.started = make(chan struct{}, 1)

	ctx := context.Background()
	f.scanner.Trigger(ctx)
	<-f.matcher.started

	for range 3 {
		f.scanner.Trigger(ctx)
	}
	st := f.scanner.Status()
	if st.State != StateScanning || !st.Pending {
		t.Errorf("status = %+v, want scanning with a pending pass", st)
	}

	close(f.matcher.gate)
	f.scanner.Wait()

	st = f.scanner.Status()
	if st.State != StateIdle || st.Pending {
		t.Errorf("status = %+v, want idle", st)
	}
	if st.Passes != 2 {
		t.Errorf("Passes = %d, want 2", st.Passes)
	}
	if got := f.matcher.calls.Load(); got != 1 {
		t.Errorf("Evaluate calls = %d, want 1", got)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t, `<body><img src="https://example.com/a.jpg" width="300" height="300"></body>`)
	f.matcher.match("https://example.com/a.jpg", "A")
	f.matcher.match("https://example.com/late.jpg", "A")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scanner.Run(ctx) }()

	eventually(t, "the initial pass", func() bool { return f.scanner.Status().Passes >= 1 })
	if f.doc.Blocked() != 0 {
		t.Fatal("blocked an image without references")
	}

	f.addReference(t, "A")
	eventually(t, "the rescan after a reference change", func() bool { return f.doc.Blocked() == 1 })

	if _, err := f.doc.AppendHTML("body", `<div><img src="https://example.com/late.jpg" width="300" height="300"></div>`); err != nil {
		t.Fatalf("AppendHTML() error = %v", err)
	}
	eventually(t, "the pass after a mutation", func() bool { return f.doc.Blocked() == 2 })

	if err := settings.SetBlockingEnabled(context.Background(), f.store, false); err != nil {
		t.Fatalf("SetBlockingEnabled() error = %v", err)
	}
	eventually(t, "blocking to be disabled", func() bool { return !f.scanner.Enabled() })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ClearThenReAddRescans(t *testing.T) {
	f := newFixture(t, `<body><img src="https://example.com/a.jpg" width="300" height="300"></body>`)
	f.addReference(t, "A")
	idA := f.idOf(t, "https://example.com/a.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scanner.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	eventually(t, "the initial pass", func() bool { return f.scanner.Marked(idA) })

	if err := f.repo.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	eventually(t, "marks to reset after clearing references", func() bool {
		st := f.scanner.Status()
		return st.Passes >= 2 && st.State == StateIdle && !f.scanner.Marked(idA)
	})

	f.addReference(t, "A")
	eventually(t, "the rescan after re-adding the reference", func() bool { return f.scanner.Marked(idA) })
	if got := f.scanner.Status().Passes; got < 3 {
		t.Errorf("Passes = %d, want at least 3", got)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	again, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("second NewMetrics() error = %v", err)
	}

	f := newFixture(t, testPage, WithMetrics(m))
	f.addReference(t, "A")
	f.matcher.match("https://example.com/a.jpg", "A")
	ctx := context.Background()
	if _, err := f.scanner.Pass(ctx); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	f.scanner.ResetMarks()
	if _, err := f.scanner.Pass(ctx); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}

	if got := testutil.ToFloat64(m.lookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.lookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.detections); got != 2 {
		t.Errorf("detections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(again.blocked); got != 1 {
		t.Errorf("blocked = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.passDuration); got != 1 {
		t.Errorf("pass histogram series = %d, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.recordBlocked()
	nilMetrics.recordPass(time.Second)
	nilMetrics.recordVerdict(Verdict{})
}
