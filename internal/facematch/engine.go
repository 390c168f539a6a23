// Package facematch turns images into face descriptors through an external Detector
// and matches them against the reference set. Every failure degrades to "no face"
// or "no match"; nothing here is allowed to stop a scan.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/logger"
)

// Defaults.
const (
	DefaultDetectTimeout     = 30 * time.Second
	DefaultMinImageDimension = 50
	DefaultThreshold         = 0.6
)

// Match is the result of BestMatch.
type Match struct {
	Matched  bool    `json:"matched"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// Outcome is the verdict for one image: faces found, matches found and who matched.
// Err is set when detection could not run, for the image or for a reference face.
type Outcome struct {
	Faces    int      `json:"totalFaces"`
	Matches  int      `json:"totalMatches"`
	Names    []string `json:"matchedNames"`
	Distance float64  `json:"distance,omitempty"`
	Err      error    `json:"-"`
}

// Matched reports whether the outcome blocks the image.
func (o Outcome) Matched() bool {
	return o.Matches > 0
}

// Definitive reports whether the outcome reflects the image and may be cached.
func (o Outcome) Definitive() bool {
	return o.Err == nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout bounds every detector call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMinImageDimension sets the smallest accepted image side.
func WithMinImageDimension(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minDimension = n
		}
	}
}

// WithMetric selects "euclidean" (default) or "cosine" distance.
func WithMetric(name string) Option {
	return func(e *Engine) { e.distance = database.Metric(name) }
}

// WithModelHandle sets the handle that gates detector use.
func WithModelHandle(h *ModelHandle) Option {
	return func(e *Engine) { e.handle = h }
}

// WithSource sets the image loader.
func WithSource(s *Source) Option {
	return func(e *Engine) { e.source = s }
}

// WithDescriptorWriter persists descriptors computed lazily for reference faces.
func WithDescriptorWriter(w database.ReferenceWriter) Option {
	return func(e *Engine) { e.writer = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = logger.OrNop(l) }
}

// Engine wraps a Detector with model lifecycle, image loading, timeouts and
// reference matching.
type Engine struct {
	detector     Detector
	handle       *ModelHandle
	source       *Source
	distance     database.DistanceFunc
	timeout      time.Duration
	minDimension int
	writer       database.ReferenceWriter
	log          *slog.Logger

	mu       sync.Mutex
	refCache map[string][]float32 // reference content -> descriptor
}

// NewEngine creates an engine over detector.
func NewEngine(detector Detector, opts ...Option) *Engine {
	e := &Engine{
		detector:     detector,
		distance:     database.EuclideanDistance,
		timeout:      DefaultDetectTimeout,
		minDimension: DefaultMinImageDimension,
		log:          logger.Nop(),
		refCache:     make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handle == nil {
		var loader Loader
		if l, ok := detector.(Loader); ok {
			loader = l
		}
		e.handle = NewModelHandle(loader)
	}
	if e.source == nil {
		e.source = NewSource(nil)
	}
	return e
}

// Handle returns the engine's model handle.
func (e *Engine) Handle() *ModelHandle {
	return e.handle
}

// Source returns the engine's image loader.
func (e *Engine) Source() *Source {
	return e.source
}

// Describe returns the descriptor of the dominant face in src or an error
// explaining why there is none.
func (e *Engine) Describe(ctx context.Context, src string) ([]float32, error) {
	data, err := e.source.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return e.DescribeBytes(ctx, data)
}

// DescribeBytes is Describe for an already loaded image.
func (e *Engine) DescribeBytes(ctx context.Context, data []byte) ([]float32, error) {
	if err := CheckDimensions(data, e.minDimension); err != nil {
		return nil, err
	}

	release, err := e.handle.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	detections, err := withTimeout(ctx, e.timeout, func(ctx context.Context) ([]Detection, error) {
		return e.detector.Detect(ctx, data)
	})
	if err != nil {
		return nil, err
	}

	face, ok := Dominant(detections)
	if !ok {
		return nil, ErrNoFace
	}
	return face.Embedding, nil
}

// DescriptorOf returns the descriptor of the dominant face in src, or false when
// none could be produced for any reason.
func (e *Engine) DescriptorOf(ctx context.Context, src string) ([]float32, bool) {
	desc, err := e.Describe(ctx, src)
	if err != nil {
		e.logFailure("no descriptor", src, err)
		return nil, false
	}
	return desc, true
}

// Distance compares two descriptors with the configured metric.
func (e *Engine) Distance(a, b []float32) float64 {
	return e.distance(a, b)
}

// BestMatch returns the first reference, in stored order, whose distance to the
// face in src is below threshold. It is not the globally nearest reference.
func (e *Engine) BestMatch(ctx context.Context, src string, refs []database.ReferenceFace, threshold float64) (*Match, bool) {
	desc, ok := e.DescriptorOf(ctx, src)
	if !ok {
		return nil, false
	}
	return e.MatchDescriptor(ctx, desc, refs, threshold)
}

// MatchDescriptor is BestMatch for an already computed descriptor.
func (e *Engine) MatchDescriptor(ctx context.Context, desc []float32, refs []database.ReferenceFace, threshold float64) (*Match, bool) {
	m, _ := e.matchDescriptor(ctx, desc, refs, threshold)
	return m, m != nil
}

// matchDescriptor returns the first match and, when there is none, the first
// inconclusive error met while describing a reference face.
func (e *Engine) matchDescriptor(ctx context.Context, desc []float32, refs []database.ReferenceFace, threshold float64) (*Match, error) {
	var skipped error
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		refDesc, err := e.referenceDescriptor(ctx, ref)
		if err != nil {
			if skipped == nil && !Conclusive(err) {
				skipped = fmt.Errorf("reference %q: %w", ref.Name, err)
			}
			continue
		}
		d := e.distance(desc, refDesc)
		e.log.Debug("face distance", "reference", ref.Name, "distance", d, "threshold", threshold)
		if d < threshold {
			return &Match{Matched: true, Name: ref.Name, Distance: d}, nil
		}
	}
	return nil, skipped
}

// Evaluate produces the verdict for src: zero faces when no descriptor could be
// produced, otherwise one face and at most one match. Failures that say nothing
// about the image, such as an unreachable detector, are reported in Err.
func (e *Engine) Evaluate(ctx context.Context, src string, refs []database.ReferenceFace, threshold float64) Outcome {
	desc, err := e.Describe(ctx, src)
	if err != nil {
		e.logFailure("no descriptor", src, err)
		out := Outcome{Names: []string{}}
		if !Conclusive(err) {
			out.Err = err
		}
		return out
	}
	m, err := e.matchDescriptor(ctx, desc, refs, threshold)
	if m == nil {
		return Outcome{Faces: 1, Names: []string{}, Err: err}
	}
	return Outcome{Faces: 1, Matches: 1, Names: []string{m.Name}, Distance: m.Distance}
}

// referenceDescriptor returns the stored descriptor of ref, or derives one from its
// data URL. Derived descriptors are kept in memory and persisted when a writer is set.
func (e *Engine) referenceDescriptor(ctx context.Context, ref database.ReferenceFace) ([]float32, error) {
	if ref.HasDescriptor() {
		return ref.Descriptor, nil
	}
	if ref.DataURL == "" {
		return nil, fmt.Errorf("%w: reference without image", ErrUnsupportedSource)
	}

	e.mu.Lock()
	cached, ok := e.refCache[ref.DataURL]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	desc, err := e.Describe(ctx, ref.DataURL)
	if err != nil {
		e.log.Warn("could not describe reference face", "name", ref.Name, "error", err)
		return nil, err
	}

	e.mu.Lock()
	e.refCache[ref.DataURL] = slices.Clone(desc)
	e.mu.Unlock()

	if e.writer != nil && ref.ID != "" {
		if err := e.writer.SetDescriptor(ctx, ref.ID, desc); err != nil && !errors.Is(err, database.ErrFaceNotFound) {
			e.log.Warn("could not persist reference descriptor", "name", ref.Name, "error", err)
		}
	}
	return desc, nil
}

func (e *Engine) logFailure(msg, src string, err error) {
	if Conclusive(err) {
		e.log.Debug(msg, "src", truncate(src, 80), "reason", err)
		return
	}
	e.log.Warn(msg, "src", truncate(src, 80), "error", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
