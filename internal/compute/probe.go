// Package compute checks whether the host can run face matching comfortably and
// switches matching off when it clearly cannot.
package compute

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/facematch"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/logger"
	"github.com/kozaktomas/face-blocker/internal/settings"
)

// Accelerator reports whether detection runs on hardware acceleration.
type Accelerator interface {
	Accelerated(ctx context.Context) (bool, error)
}

// Metrics are the raw probe measurements.
type Metrics struct {
	MemoryGB     float64       `json:"memory"` // 0 when unknown
	MemoryKnown  bool          `json:"memoryKnown"`
	Cores        int           `json:"cores"`
	Accelerated  bool          `json:"accelerated"`
	TestTime     time.Duration `json:"testTime"`
	FaceDetected bool          `json:"faceDetected"`
}

// Result is the outcome of a check.
type Result struct {
	IsAdequate   bool     `json:"isAdequate"`
	AutoDisabled bool     `json:"autoDisabled"`
	Score        int      `json:"score"`
	Details      string   `json:"details"`
	Issues       []string `json:"issues,omitempty"`
	Metrics      Metrics  `json:"metrics"`
}

// Option configures a Probe.
type Option func(*Probe)

// WithMemory overrides how total memory in bytes is read.
func WithMemory(fn func(ctx context.Context) (uint64, error)) Option {
	return func(p *Probe) { p.memory = fn }
}

// WithCores overrides how the number of logical cores is read.
func WithCores(fn func(ctx context.Context) int) Option {
	return func(p *Probe) { p.cores = fn }
}

// WithModelHandle acquires the model before the timed detection, so the
// measurement includes a cold load.
func WithModelHandle(h *facematch.ModelHandle) Option {
	return func(p *Probe) { p.handle = h }
}

// WithClock overrides the time source used for the timed detection.
func WithClock(now func() time.Time) Option {
	return func(p *Probe) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Probe) { p.log = logger.OrNop(l) }
}

// Probe measures the host and the detector.
type Probe struct {
	detector facematch.Detector
	handle   *facematch.ModelHandle
	memory   func(ctx context.Context) (uint64, error)
	cores    func(ctx context.Context) int
	now      func() time.Time
	log      *slog.Logger
}

// NewProbe creates a Probe for detector. When detector implements Accelerator its
// answer is used for the acceleration check.
func NewProbe(detector facematch.Detector, opts ...Option) *Probe {
	p := &Probe{
		detector: detector,
		memory:   totalMemory,
		cores:    logicalCores,
		now:      time.Now,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func totalMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func logicalCores(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Check measures the host and scores it. A failed detection makes the result
// auto-disable regardless of the score.
func (p *Probe) Check(ctx context.Context) Result {
	var res Result

	if total, err := p.memory(ctx); err != nil {
		p.log.Debug("memory size unavailable", "error", err)
	} else {
		res.Metrics.MemoryKnown = true
		res.Metrics.MemoryGB = float64(total) / (1 << 30)
	}
	res.Metrics.Cores = max(p.cores(ctx), 1)
	if acc, ok := p.detector.(Accelerator); ok {
		accelerated, err := acc.Accelerated(ctx)
		if err != nil {
			p.log.Debug("acceleration check failed", "error", err)
		}
		res.Metrics.Accelerated = accelerated
	}

	elapsed, detected, err := p.timedDetection(ctx)
	if err != nil {
		p.log.Warn("probe detection failed", "error", err)
		res.Details = "Face detection test failed: " + err.Error()
		res.AutoDisabled = true
		return res
	}
	res.Metrics.TestTime = elapsed
	res.Metrics.FaceDetected = detected

	res.Score, res.Issues = Score(res.Metrics)
	res.IsAdequate = res.Score >= constants.AdequateScore
	if res.IsAdequate {
		memory := "unknown"
		if res.Metrics.MemoryKnown {
			memory = fmt.Sprintf("%.1fGB", res.Metrics.MemoryGB)
		}
		res.Details = fmt.Sprintf("Score: %d/100 | %s RAM, %d cores, %dms test",
			res.Score, memory, res.Metrics.Cores, elapsed.Milliseconds())
	} else {
		res.Details = fmt.Sprintf("Score: %d/100 | Issues: %s", res.Score, strings.Join(res.Issues, ", "))
		res.AutoDisabled = res.Score < constants.CriticalScore
	}

	p.log.Info("compute check finished", "score", res.Score, "adequate", res.IsAdequate,
		"auto_disabled", res.AutoDisabled, "test_ms", elapsed.Milliseconds())
	return res
}

// timedDetection runs one detection on the synthetic probe image. The time
// includes acquiring the model.
func (p *Probe) timedDetection(ctx context.Context) (time.Duration, bool, error) {
	data, err := ProbeImage()
	if err != nil {
		return 0, false, err
	}

	start := p.now()
	if p.handle != nil {
		release, err := p.handle.Acquire(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("loading model: %w", err)
		}
		defer release()
	}
	detections, err := p.detector.Detect(ctx, data)
	elapsed := p.now().Sub(start)
	if err != nil {
		return elapsed, false, err
	}
	return elapsed, len(detections) > 0, nil
}

// Score rates the measurements out of 100 and lists what held the score back.
func Score(m Metrics) (int, []string) {
	score := 0
	var issues []string

	gb := m.MemoryGB
	switch {
	case !m.MemoryKnown:
		issues = append(issues, "Memory info unavailable")
		score += 10
	case gb < 1:
		issues = append(issues, fmt.Sprintf("Very low memory: %.1fGB (2GB+ recommended)", gb))
	case gb < 2:
		issues = append(issues, fmt.Sprintf("Low memory: %.1fGB (2GB+ recommended)", gb))
		score += 15
	case gb >= 4:
		score += 35
	default:
		score += 25
	}

	switch {
	case m.Cores < 2:
		issues = append(issues, "Single core CPU (2+ cores recommended)")
		score += 10
	case m.Cores >= 4:
		score += 25
	default:
		score += 20
	}

	if m.Accelerated {
		score += 10
	} else {
		issues = append(issues, "No hardware acceleration (impacts performance)")
	}

	ms := m.TestTime.Milliseconds()
	switch {
	case m.TestTime > 10*time.Second:
		issues = append(issues, fmt.Sprintf("Very slow processing: %dms (>10s)", ms))
	case m.TestTime > 5*time.Second:
		issues = append(issues, fmt.Sprintf("Slow processing: %dms (>5s)", ms))
		score += 5
	case m.TestTime > 3*time.Second:
		issues = append(issues, fmt.Sprintf("Moderate processing: %dms", ms))
		score += 15
	case m.TestTime > time.Second:
		score += 25
	default:
		score += 30
	}

	return score, issues
}

// ProbeImage renders the synthetic face-like test image as PNG.
func ProbeImage() ([]byte, error) {
	size := constants.ProbeImageSize
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	fill := func(r image.Rectangle, c color.RGBA) {
		draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
	fill(img.Bounds(), color.RGBA{R: 0xf4, G: 0xc2, B: 0xa1, A: 0xff})
	fill(image.Rect(60, 60, 80, 80), color.RGBA{A: 0xff})
	fill(image.Rect(120, 60, 140, 80), color.RGBA{A: 0xff})
	fill(image.Rect(80, 120, 120, 130), color.RGBA{R: 0xff, G: 0x6b, B: 0x6b, A: 0xff})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding probe image: %w", err)
	}
	return buf.Bytes(), nil
}

// Recheck runs a check and persists blockingEnabled=false when the result
// auto-disables matching.
func Recheck(ctx context.Context, probe *Probe, store kvstore.Store) (Result, error) {
	res := probe.Check(ctx)
	if !res.AutoDisabled {
		return res, nil
	}
	if err := settings.SetBlockingEnabled(ctx, store, false); err != nil {
		return res, err
	}
	probe.log.Warn("face matching disabled due to insufficient resources", "score", res.Score)
	return res, nil
}
