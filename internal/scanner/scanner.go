// Package scanner runs scan passes over a page: it selects unprocessed images,
// decides each one through the result cache and the match engine, and replaces
// matching images with placeholders. Passes are serialised; triggers that arrive
// during a pass collapse into a single follow-up pass.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-blocker/internal/config"
	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/fingerprint"
	"github.com/kozaktomas/face-blocker/internal/imagecache"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/logger"
	"github.com/kozaktomas/face-blocker/internal/page"
	"github.com/kozaktomas/face-blocker/internal/settings"
)

// Default timings.
const (
	DefaultDelay    = 100 * time.Millisecond
	DefaultDebounce = 500 * time.Millisecond
)

// Page is the document a scanner works on.
type Page interface {
	Images() []page.Image
	Replace(id, name string) bool
	Mutations() <-chan page.MutationBatch
}

// dimensionResolver is implemented by pages that can probe natural image sizes.
type dimensionResolver interface {
	ResolveDimensions(ctx context.Context, prober page.DimensionProber) int
}

// State is the scanner state.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
)

// Reasons a pass did no work.
const (
	SkipDisabled     = "blocking disabled"
	SkipNoReferences = "no reference faces"
	SkipInterrupted  = "blocking disabled during pass"
)

// PassResult summarises one pass.
type PassResult struct {
	ID          string        `json:"id"`
	Candidates  int           `json:"candidates"`
	Inspected   int           `json:"inspected"`
	CacheHits   int           `json:"cacheHits"`
	CacheMisses int           `json:"cacheMisses"`
	Blocked     int           `json:"blocked"`
	Skipped     string        `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Progress is reported after every inspected image.
type Progress struct {
	PassID  string
	Done    int
	Total   int
	Image   page.Image
	Verdict Verdict
}

// Status is a snapshot of the scanner.
type Status struct {
	State    State       `json:"state"`
	Pending  bool        `json:"pending"`
	Enabled  bool        `json:"enabled"`
	Marked   int         `json:"marked"`
	Passes   int         `json:"passes"`
	LastPass *PassResult `json:"lastPass,omitempty"`
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.log = logger.OrNop(l) }
}

// WithDelay sets the pause between two inspected images.
func WithDelay(d time.Duration) Option {
	return func(s *Scanner) { s.delay = d }
}

// WithDebounce sets how long mutation batches settle before a pass is triggered.
func WithDebounce(d time.Duration) Option {
	return func(s *Scanner) { s.debounce = d }
}

// WithDefaults sets the values used for settings that were never stored.
func WithDefaults(d config.SettingsDefaults) Option {
	return func(s *Scanner) { s.defaults = d }
}

// WithMetrics records pass metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// WithProgress registers a callback invoked after every inspected image.
func WithProgress(fn func(Progress)) Option {
	return func(s *Scanner) { s.onProgress = fn }
}

// WithMemo shares a fingerprint memo with other components.
func WithMemo(m *fingerprint.Memo) Option {
	return func(s *Scanner) { s.memo = m }
}

// WithProber resolves natural image sizes before candidates are selected.
func WithProber(p page.DimensionProber) Option {
	return func(s *Scanner) { s.prober = p }
}

// Scanner orchestrates scan passes over one page.
type Scanner struct {
	store   kvstore.Store
	refs    database.ReferenceReader
	cache   *imagecache.Cache
	matcher Matcher
	page    Page

	decider    *Decider
	memo       *fingerprint.Memo
	prober     page.DimensionProber
	defaults   config.SettingsDefaults
	delay      time.Duration
	debounce   time.Duration
	metrics    *Metrics
	onProgress func(Progress)
	log        *slog.Logger

	enabled atomic.Bool
	runMu   sync.Mutex // serialises passes
	wg      sync.WaitGroup

	mu       sync.Mutex
	state    State
	pending  bool
	marked   map[string]struct{}
	dbFP     string
	passes   int
	lastPass *PassResult
}

// New creates a Scanner for pg.
func New(store kvstore.Store, refs database.ReferenceReader, cache *imagecache.Cache, matcher Matcher, pg Page, opts ...Option) *Scanner {
	s := &Scanner{
		store:    store,
		refs:     refs,
		cache:    cache,
		matcher:  matcher,
		page:     pg,
		defaults: config.Defaults().Settings,
		delay:    DefaultDelay,
		debounce: DefaultDebounce,
		log:      logger.Nop(),
		state:    StateIdle,
		marked:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.decider = NewDecider(cache, matcher, s.memo, s.log)
	s.enabled.Store(s.defaults.BlockingEnabled)
	return s
}

// Decider returns the decision phase used by passes.
func (s *Scanner) Decider() *Decider {
	return s.decider
}

// Pass runs one scan pass. It returns an error only when ctx is cancelled or the
// reference faces cannot be read.
func (s *Scanner) Pass(ctx context.Context) (PassResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	res := PassResult{ID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		s.metrics.recordPass(res.Duration)
		s.mu.Lock()
		s.passes++
		last := res
		s.lastPass = &last
		s.mu.Unlock()
	}()

	st, err := settings.Load(ctx, s.store, s.defaults)
	if err != nil {
		s.log.Warn("failed to load settings, using defaults", "error", err)
	}
	s.enabled.Store(st.BlockingEnabled)
	if !st.BlockingEnabled {
		res.Skipped = SkipDisabled
		return res, nil
	}

	refs, err := s.refs.List(ctx)
	if err != nil {
		return res, fmt.Errorf("loading reference faces: %w", err)
	}
	if len(refs) == 0 {
		s.mu.Lock()
		s.dbFP = fingerprint.References(refs)
		s.mu.Unlock()
		res.Skipped = SkipNoReferences
		return res, nil
	}
	dbFP := s.syncDatabaseFingerprint(ctx, refs)

	if r, ok := s.page.(dimensionResolver); ok && s.prober != nil {
		r.ResolveDimensions(ctx, s.prober)
	}
	candidates := s.selectCandidates(st)
	res.Candidates = len(candidates)
	s.log.Debug("scan pass started", "pass", res.ID, "candidates", len(candidates), "references", len(refs))

	for i, im := range candidates {
		if !s.enabled.Load() {
			res.Skipped = SkipInterrupted
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		s.mark(im.ID)
		v, err := s.decider.Decide(ctx, im.Src, refs, dbFP, st.SimilarityThreshold)
		if err != nil {
			return res, err
		}
		res.Inspected++
		s.metrics.recordVerdict(v)
		if v.Cached {
			res.CacheHits++
		} else {
			res.CacheMisses++
		}
		if v.Block && s.apply(im, v) {
			res.Blocked++
			s.metrics.recordBlocked()
			s.log.Info("image blocked", "id", im.ID, "name", v.Name(), "cached", v.Cached)
		}

		if s.onProgress != nil {
			s.onProgress(Progress{PassID: res.ID, Done: i + 1, Total: len(candidates), Image: im, Verdict: v})
		}

		if i < len(candidates)-1 && s.delay > 0 {
			if err := sleep(ctx, s.delay); err != nil {
				return res, err
			}
		}
	}

	s.log.Debug("scan pass finished", "pass", res.ID, "inspected", res.Inspected,
		"hits", res.CacheHits, "misses", res.CacheMisses, "blocked", res.Blocked)
	return res, nil
}

// apply is the effect phase: it replaces the element with a placeholder.
func (s *Scanner) apply(im page.Image, v Verdict) bool {
	return s.page.Replace(im.ID, v.Name())
}

// syncDatabaseFingerprint computes the fingerprint of refs and persists it when it
// differs from the stored one.
func (s *Scanner) syncDatabaseFingerprint(ctx context.Context, refs []database.ReferenceFace) string {
	dbFP := fingerprint.References(refs)

	s.mu.Lock()
	s.dbFP = dbFP
	s.mu.Unlock()

	stored, err := s.cache.DatabaseFingerprint(ctx)
	if err != nil {
		s.log.Warn("failed to read database fingerprint", "error", err)
	}
	if stored != dbFP {
		if err := s.cache.SaveDatabaseFingerprint(ctx, dbFP); err != nil {
			s.log.Warn("failed to save database fingerprint", "error", err)
		} else {
			s.log.Info("face database changed", "fingerprint", dbFP[:min(8, len(dbFP))])
		}
	}
	return dbFP
}

// selectCandidates returns unmarked images meeting the size floors, in document
// order, capped at MaxScans. Images beyond the cap stay unmarked.
func (s *Scanner) selectCandidates(st settings.Settings) []page.Image {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []page.Image
	for _, im := range s.page.Images() {
		if len(out) >= st.MaxScans {
			break
		}
		if _, done := s.marked[im.ID]; done {
			continue
		}
		if im.Width < st.MinWidth || im.Height < st.MinHeight {
			continue
		}
		out = append(out, im)
	}
	return out
}

func (s *Scanner) mark(id string) {
	s.mu.Lock()
	s.marked[id] = struct{}{}
	s.mu.Unlock()
}

// Marked reports whether the image was inspected.
func (s *Scanner) Marked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.marked[id]
	return ok
}

// ResetMarks makes every image eligible again.
func (s *Scanner) ResetMarks() {
	s.mu.Lock()
	s.marked = make(map[string]struct{})
	s.mu.Unlock()
}

// Enabled reports the current enabled flag.
func (s *Scanner) Enabled() bool {
	return s.enabled.Load()
}

// SetEnabled updates the enabled flag checked before every candidate.
func (s *Scanner) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Status returns a snapshot of the scanner.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:    s.state,
		Pending:  s.pending,
		Enabled:  s.enabled.Load(),
		Marked:   len(s.marked),
		Passes:   s.passes,
		LastPass: s.lastPass,
	}
}

// Trigger starts a pass in the background. A trigger during a pass schedules
// exactly one follow-up pass.
func (s *Scanner) Trigger(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateScanning {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.state = StateScanning
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		res, err := s.Pass(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scan pass failed", "pass", res.ID, "error", err)
		}

		s.mu.Lock()
		if !s.pending || ctx.Err() != nil {
			s.state = StateIdle
			s.pending = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

// Wait blocks until no pass is running.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

// Run triggers an initial pass and then reacts to store changes and page mutations
// until ctx is done. It waits for the running pass before returning.
func (s *Scanner) Run(ctx context.Context) error {
	changes := s.store.Subscribe(ctx)
	mutations := s.page.Mutations()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		s.wg.Wait()
	}()

	s.Trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.handleChange(ctx, change)

		case batch, ok := <-mutations:
			if !ok {
				mutations = nil
				continue
			}
			if !batch.HasImages() {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(s.debounce)
			} else {
				debounce.Reset(s.debounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			s.log.Debug("new images observed, scanning")
			s.Trigger(ctx)
		}
	}
}

func (s *Scanner) handleChange(ctx context.Context, change kvstore.Change) {
	switch change.Key {
	case constants.KeyReferenceFaces:
		var refs []database.ReferenceFace
		if !change.Removed() {
			if err := json.Unmarshal(change.NewValue, &refs); err != nil {
				s.log.Warn("undecodable reference faces change", "error", err)
			}
		}
		dbFP := fingerprint.References(refs)

		s.mu.Lock()
		changed := dbFP != s.dbFP
		s.dbFP = dbFP
		s.mu.Unlock()
		if !changed {
			return
		}
		s.log.Info("reference faces changed, rescanning page")
		s.ResetMarks()
		s.Trigger(ctx)

	case constants.KeyBlockingEnabled:
		var enabled bool
		if change.Removed() {
			enabled = s.defaults.BlockingEnabled
		} else if err := json.Unmarshal(change.NewValue, &enabled); err != nil {
			s.log.Warn("undecodable blocking flag change", "error", err)
			return
		}
		was := s.enabled.Swap(enabled)
		s.log.Info("blocking toggled", "enabled", enabled)
		if enabled && !was {
			s.Trigger(ctx)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
