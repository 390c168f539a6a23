package scanner

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "face_blocker"

// Metrics exports scanner counters to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	lookups      *prometheus.CounterVec
	detections   prometheus.Counter
	blocked      prometheus.Counter
	passDuration prometheus.Histogram
}

// NewMetrics registers the scanner metrics with reg, or the default registerer when nil.
// Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"result"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "detections_total",
			Help:      "Images sent to the match engine.",
		}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "images_blocked_total",
			Help:      "Images replaced with a placeholder.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "scan_pass_duration_seconds",
			Help:      "Duration of scan passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	var err error
	if m.lookups, err = register(reg, m.lookups); err != nil {
		return nil, err
	}
	if m.detections, err = register(reg, m.detections); err != nil {
		return nil, err
	}
	if m.blocked, err = register(reg, m.blocked); err != nil {
		return nil, err
	}
	if m.passDuration, err = register(reg, m.passDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register scanner metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) recordVerdict(v Verdict) {
	if m == nil {
		return
	}
	if v.Cached {
		m.lookups.WithLabelValues("hit").Inc()
		return
	}
	m.lookups.WithLabelValues("miss").Inc()
	m.detections.Inc()
}

func (m *Metrics) recordBlocked() {
	if m == nil {
		return
	}
	m.blocked.Inc()
}

func (m *Metrics) recordPass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}
