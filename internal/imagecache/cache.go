// Package imagecache stores per-image detection verdicts keyed by image fingerprint,
// invalidated by reference database fingerprint and age, and bounded by serialized size.
package imagecache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/logger"
)

// Default limits.
const (
	DefaultMaxBytes = 100 * 1024 * 1024
	DefaultMaxAge   = 7 * 24 * time.Hour
)

// Entry is one cached verdict. It is always replaced whole.
type Entry struct {
	ImageHash    string   `json:"imageHash"`
	Timestamp    int64    `json:"timestamp"` // unix milliseconds
	TotalFaces   int      `json:"totalFaces"`
	TotalMatches int      `json:"totalMatches"`
	FaceDBHash   string   `json:"faceDbHash"`
	MatchedNames []string `json:"matchedNames"`
}

// Status is the outcome of a lookup.
type Status string

const (
	StatusMiss Status = "miss"
	StatusHit  Status = "hit"
)

// Miss reasons. They are diagnostic only; every miss means reprocess.
const (
	ReasonNoEntry         = "no cache entry found"
	ReasonDatabaseChanged = "face database has changed"
	ReasonExpired         = "cache entry expired"
	ReasonUnavailable     = "cache unavailable"
)

// Decision is the result of Lookup.
type Decision struct {
	Status       Status   `json:"status"`
	Reason       string   `json:"reason,omitempty"`
	ShouldBlock  bool     `json:"shouldBlock"`
	MatchedNames []string `json:"matchedNames,omitempty"`
}

// Hit reports whether the decision can be used without detection.
func (d Decision) Hit() bool {
	return d.Status == StatusHit
}

func miss(reason string) Decision {
	return Decision{Status: StatusMiss, Reason: reason}
}

// Stats summarises the cache contents.
type Stats struct {
	TotalEntries int    `json:"totalEntries"`
	WithFaces    int    `json:"withFaces"`
	WithMatches  int    `json:"withMatches"`
	SizeBytes    int    `json:"sizeBytes"`
	SizeMB       string `json:"sizeMB"`
}

// Sizer measures the serialized size of the cache map.
type Sizer func(entries map[string]Entry) (int, error)

// JSONSize is the default Sizer: the length of the JSON encoding.
func JSONSize(entries map[string]Entry) (int, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes sets the serialized size budget.
func WithMaxBytes(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithMaxAge sets how long an entry stays valid.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSizer replaces JSONSize.
func WithSizer(s Sizer) Option {
	return func(c *Cache) { c.sizer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = logger.OrNop(l) }
}

// Cache is the result cache. The whole map is persisted as one blob under
// constants.KeyImageCache and mirrored in memory; reads load it lazily.
// Read-modify-write cycles are serialised within the process only.
type Cache struct {
	store    kvstore.Store
	log      *slog.Logger
	now      func() time.Time
	sizer    Sizer
	maxBytes int
	maxAge   time.Duration

	mu        sync.Mutex
	entries   map[string]Entry // nil until loaded
	lastWrite []byte
}

// New creates a cache over store.
func New(store kvstore.Store, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		log:      logger.Nop(),
		now:      time.Now,
		sizer:    JSONSize,
		maxBytes: DefaultMaxBytes,
		maxAge:   DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup decides whether a stored verdict for imageFP can be reused under dbFP.
func (c *Cache) Lookup(ctx context.Context, imageFP, dbFP string) Decision {
	c.mu.Lock()
	entries, err := c.load(ctx)
	var entry Entry
	var ok bool
	if err == nil {
		entry, ok = entries[imageFP]
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		c.log.Warn("cache lookup failed", "error", err)
		return miss(ReasonUnavailable)
	case !ok:
		return miss(ReasonNoEntry)
	case entry.FaceDBHash != dbFP:
		return miss(ReasonDatabaseChanged)
	case c.now().UnixMilli()-entry.Timestamp > c.maxAge.Milliseconds():
		return miss(ReasonExpired)
	case entry.TotalFaces == 0 || entry.TotalMatches == 0:
		return Decision{Status: StatusHit}
	default:
		return Decision{Status: StatusHit, ShouldBlock: true, MatchedNames: entry.MatchedNames}
	}
}

// Store records a verdict, replacing any previous entry for imageFP, evicts the
// oldest entries if the size budget is exceeded and persists the result.
func (c *Cache) Store(ctx context.Context, imageFP string, totalFaces, totalMatches int, dbFP string, matchedNames []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load(ctx)
	if err != nil {
		return err
	}
	if matchedNames == nil {
		matchedNames = []string{}
	}
	entries[imageFP] = Entry{
		ImageHash:    imageFP,
		Timestamp:    c.now().UnixMilli(),
		TotalFaces:   totalFaces,
		TotalMatches: totalMatches,
		FaceDBHash:   dbFP,
		MatchedNames: matchedNames,
	}
	c.log.Debug("cache entry stored", "hash", short(imageFP), "faces", totalFaces, "matches", totalMatches)

	if err := c.evict(entries, imageFP); err != nil {
		c.log.Warn("cache size management failed", "error", err)
	}
	return c.persist(ctx, entries)
}

// evict removes the oldest entries, one at a time, once the size exceeds the budget
// until it is at most constants.EvictionTargetRatio of it. Among entries with the
// same timestamp, keep is removed last.
func (c *Cache) evict(entries map[string]Entry, keep string) error {
	size, err := c.sizer(entries)
	if err != nil {
		return err
	}
	if size <= c.maxBytes {
		return nil
	}

	oldest := make([]Entry, 0, len(entries))
	for _, e := range entries {
		oldest = append(oldest, e)
	}
	sort.SliceStable(oldest, func(i, j int) bool {
		a, b := oldest[i], oldest[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if (a.ImageHash == keep) != (b.ImageHash == keep) {
			return b.ImageHash == keep
		}
		return a.ImageHash < b.ImageHash
	})

	target := int(float64(c.maxBytes) * constants.EvictionTargetRatio)
	before := len(entries)
	for _, e := range oldest {
		delete(entries, e.ImageHash)
		size, err = c.sizer(entries)
		if err != nil {
			return err
		}
		if size <= target {
			break
		}
	}
	c.log.Info("cache cleaned", "removed", before-len(entries), "size_bytes", size)
	return nil
}

// Clear empties the cache.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Remove(ctx, constants.KeyImageCache); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	c.entries = make(map[string]Entry)
	c.lastWrite = nil
	c.log.Info("cache cleared")
	return nil
}

// Stats reports entry counts and the serialized size.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load(ctx)
	if err != nil {
		return Stats{SizeMB: "0.00"}, err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return Stats{SizeMB: "0.00"}, fmt.Errorf("encoding cache: %w", err)
	}

	s := Stats{TotalEntries: len(entries), SizeBytes: len(raw)}
	for _, e := range entries {
		if e.TotalFaces > 0 {
			s.WithFaces++
		}
		if e.TotalMatches > 0 {
			s.WithMatches++
		}
	}
	s.SizeMB = fmt.Sprintf("%.2f", float64(s.SizeBytes)/1024/1024)
	return s, nil
}

// DatabaseFingerprint returns the last persisted reference database fingerprint,
// or "" when none was stored.
func (c *Cache) DatabaseFingerprint(ctx context.Context) (string, error) {
	var fp string
	if _, err := kvstore.GetJSON(ctx, c.store, constants.KeyDatabaseFingerprint, &fp); err != nil {
		return "", err
	}
	return fp, nil
}

// SaveDatabaseFingerprint persists the current reference database fingerprint.
func (c *Cache) SaveDatabaseFingerprint(ctx context.Context, fp string) error {
	return kvstore.SetJSON(ctx, c.store, constants.KeyDatabaseFingerprint, fp)
}

// Watch invalidates the in-memory copy whenever another writer changes the cache
// blob. It returns when ctx is done.
func (c *Cache) Watch(ctx context.Context) {
	for change := range c.store.Subscribe(ctx) {
		if change.Key != constants.KeyImageCache {
			continue
		}
		c.mu.Lock()
		if !bytes.Equal(change.NewValue, c.lastWrite) {
			c.entries = nil
			c.log.Debug("cache invalidated by external write")
		}
		c.mu.Unlock()
	}
}

// load returns the in-memory map, reading it from the store on first use.
// An undecodable blob is treated as an empty cache. Callers hold c.mu.
func (c *Cache) load(ctx context.Context) (map[string]Entry, error) {
	if c.entries != nil {
		return c.entries, nil
	}

	values, err := c.store.Get(ctx, constants.KeyImageCache)
	if err != nil {
		return nil, fmt.Errorf("loading cache: %w", err)
	}

	entries := make(map[string]Entry)
	if raw, ok := values[constants.KeyImageCache]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			c.log.Warn("cache blob unreadable, starting empty", "error", err)
			entries = make(map[string]Entry)
		}
		c.lastWrite = raw
	}
	c.entries = entries
	return entries, nil
}

func (c *Cache) persist(ctx context.Context, entries map[string]Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	c.lastWrite = raw
	if err := c.store.Set(ctx, map[string][]byte{constants.KeyImageCache: raw}); err != nil {
		// Force a reload so memory does not drift from the store.
		c.entries = nil
		return fmt.Errorf("persisting cache: %w", err)
	}
	return nil
}

func short(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
