package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for turn activity.
type Metrics struct {
	turns          *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	fragments      prometheus.Counter
	titleFallbacks prometheus.Counter
	turnsActive    prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity",
			Subsystem: "orchestrator",
			Name:      "turns_total",
			Help:      "Turns processed by modality and outcome.",
		}, []string{"modality", "outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "antigravity",
			Subsystem: "orchestrator",
			Name:      "turn_duration_seconds",
			Help:      "Wall time from submission to persisted turn.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"modality"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "antigravity",
			Subsystem: "orchestrator",
			Name:      "stream_fragments_total",
			Help:      "Text fragments streamed to callers.",
		}),
		titleFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "antigravity",
			Subsystem: "orchestrator",
			Name:      "title_fallbacks_total",
			Help:      "Auto-titles that fell back to truncating the user message.",
		}),
		turnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "antigravity",
			Subsystem: "orchestrator",
			Name:      "turns_active",
			Help:      "Turns currently in flight.",
		}),
	}

	m.turns = register(reg, m.turns)
	m.turnDuration = register(reg, m.turnDuration)
	m.fragments = register(reg, m.fragments)
	m.titleFallbacks = register(reg, m.titleFallbacks)
	m.turnsActive = register(reg, m.turnsActive)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeTurn(modality Modality, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(modality.String(), outcome).Inc()
	m.turnDuration.WithLabelValues(modality.String()).Observe(d.Seconds())
}

func (m *Metrics) incFragments() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

func (m *Metrics) incTitleFallback() {
	if m == nil {
		return
	}
	m.titleFallbacks.Inc()
}

func (m *Metrics) turnStarted() {
	if m == nil {
		return
	}
	m.turnsActive.Inc()
}

func (m *Metrics) turnFinished() {
	if m == nil {
		return
	}
	m.turnsActive.Dec()
}
