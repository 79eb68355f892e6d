package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide instrumentation. All collectors live on one
// registry so the HTTP handler and tests see the same view.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	stepsExecuted    *prometheus.CounterVec
	decisionLatency  prometheus.Histogram
	decisionErrors   prometheus.Counter
	eventsPublished  prometheus.Counter
	eventsDropped    prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testpilot",
			Name:      "sessions_started_total",
			Help:      "Sessions started, by kind.",
		}, []string{"kind"}),
		sessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testpilot",
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal status, by result.",
		}, []string{"result"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "testpilot",
			Name:      "sessions_active",
			Help:      "Sessions with a live browser handle.",
		}),
		stepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testpilot",
			Name:      "steps_executed_total",
			Help:      "Browser steps executed, by outcome.",
		}, []string{"outcome"}),
		decisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "testpilot",
			Name:      "decision_latency_seconds",
			Help:      "Latency of decision provider calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		decisionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testpilot",
			Name:      "decision_errors_total",
			Help:      "Decision provider calls that failed or timed out.",
		}),
		eventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testpilot",
			Name:      "events_published_total",
			Help:      "Session events published to subscribers.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testpilot",
			Name:      "events_dropped_total",
			Help:      "Session events dropped on slow subscriber channels.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionStarted(kind string) {
	m.sessionsStarted.WithLabelValues(kind).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionFinished(result string) {
	m.sessionsFinished.WithLabelValues(result).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) StepExecuted(failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.stepsExecuted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DecisionObserved(elapsed time.Duration, failed bool) {
	m.decisionLatency.Observe(elapsed.Seconds())
	if failed {
		m.decisionErrors.Inc()
	}
}

func (m *Metrics) EventPublished() {
	m.eventsPublished.Inc()
}

func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
