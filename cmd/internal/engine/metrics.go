package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	turns              *prometheus.CounterVec
	events             *prometheus.CounterVec
	commits            *prometheus.CounterVec
	feedInterruptions  prometheus.Counter
	activeEngines      prometheus.Gauge
	streamingTurns     prometheus.Gauge
	firstEventDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frugalgpt",
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Turns by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frugalgpt",
			Subsystem: "engine",
			Name:      "stream_events_total",
			Help:      "Stream events applied, by kind.",
		}, []string{"kind"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frugalgpt",
			Subsystem: "engine",
			Name:      "commits_total",
			Help:      "Durable writes by operation and result.",
		}, []string{"op", "result"}),
		feedInterruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "frugalgpt",
			Subsystem: "engine",
			Name:      "feed_interruptions_total",
			Help:      "Live subscription failures.",
		}),
		activeEngines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "frugalgpt",
			Subsystem: "engine",
			Name:      "active",
			Help:      "Open engines (one per connection).",
		}),
		streamingTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "frugalgpt",
			Subsystem: "engine",
			Name:      "turns_in_flight",
			Help:      "Turns currently consuming a stream, attached or detached.",
		}),
		firstEventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "frugalgpt",
			Subsystem: "engine",
			Name:      "turn_start_seconds",
			Help:      "Time from send to the stream being open.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.turns,
			m.events,
			m.commits,
			m.feedInterruptions,
			m.activeEngines,
			m.streamingTurns,
			m.firstEventDuration,
		)
	}
	return m
}

func (m *Metrics) turn(outcome string) {
	if m != nil {
		m.turns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) event(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) commit(op, result string) {
	if m != nil {
		m.commits.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) feedInterrupted() {
	if m != nil {
		m.feedInterruptions.Inc()
	}
}

func (m *Metrics) engineOpened() {
	if m != nil {
		m.activeEngines.Inc()
	}
}

func (m *Metrics) engineClosed() {
	if m != nil {
		m.activeEngines.Dec()
	}
}

func (m *Metrics) streamOpened(seconds float64) {
	if m != nil {
		m.streamingTurns.Inc()
		m.firstEventDuration.Observe(seconds)
	}
}

func (m *Metrics) streamClosed() {
	if m != nil {
		m.streamingTurns.Dec()
	}
}
