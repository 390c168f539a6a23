package scanner

import (
	"context"
	"log/slog"

	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/facematch"
	"github.com/kozaktomas/face-blocker/internal/fingerprint"
	"github.com/kozaktomas/face-blocker/internal/imagecache"
	"github.com/kozaktomas/face-blocker/internal/logger"
)

// Matcher evaluates one image against the reference set.
type Matcher interface {
	Evaluate(ctx context.Context, src string, refs []database.ReferenceFace, threshold float64) facematch.Outcome
}

// Verdict is the decision for one image source.
type Verdict struct {
	ImageFP string   `json:"imageHash"`
	Block   bool     `json:"block"`
	Names   []string `json:"matchedNames,omitempty"`
	Cached  bool     `json:"cached"`
	Reason  string   `json:"reason,omitempty"` // miss reason when not cached
}

// Name returns the name shown on the placeholder.
func (v Verdict) Name() string {
	if len(v.Names) == 0 {
		return ""
	}
	return v.Names[0]
}

// Decider turns an image source into a verdict: fingerprint, cache lookup and, on a
// miss, evaluation followed by a cache store. It never touches a page.
type Decider struct {
	cache   *imagecache.Cache
	matcher Matcher
	memo    *fingerprint.Memo
	log     *slog.Logger
}

// NewDecider creates a Decider. memo may be nil.
func NewDecider(cache *imagecache.Cache, matcher Matcher, memo *fingerprint.Memo, log *slog.Logger) *Decider {
	if memo == nil {
		memo = fingerprint.NewMemo(0)
	}
	return &Decider{cache: cache, matcher: matcher, memo: memo, log: logger.OrNop(log)}
}

// Decide returns the verdict for src under the reference set whose fingerprint is dbFP.
// The only error is ctx.Err(). Evaluations interrupted by cancellation or by a
// detection failure are not cached, so the image is evaluated again next time.
func (d *Decider) Decide(ctx context.Context, src string, refs []database.ReferenceFace, dbFP string, threshold float64) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	imageFP := d.memo.Image(src)

	decision := d.cache.Lookup(ctx, imageFP, dbFP)
	if decision.Hit() {
		return Verdict{
			ImageFP: imageFP,
			Block:   decision.ShouldBlock,
			Names:   decision.MatchedNames,
			Cached:  true,
		}, nil
	}

	outcome := d.matcher.Evaluate(ctx, src, refs, threshold)
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if !outcome.Definitive() {
		d.log.Warn("detection unavailable, verdict not cached", "image", imageFP[:min(8, len(imageFP))], "error", outcome.Err)
	} else if err := d.cache.Store(ctx, imageFP, outcome.Faces, outcome.Matches, dbFP, outcome.Names); err != nil {
		d.log.Warn("failed to cache verdict", "error", err)
	}
	return Verdict{
		ImageFP: imageFP,
		Block:   outcome.Matched(),
		Names:   outcome.Names,
		Reason:  decision.Reason,
	}, nil
}
