// Package metrics exposes Prometheus collectors for the round coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

const namespace = "roundtable"

// Metrics holds the coordinator's collectors and the registry they are
// registered with.
type Metrics struct {
	registry *prometheus.Registry

	RoundEvents      *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	ApplyErrors      *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	OpenStreams      prometheus.GaugeFunc
}

// New creates and registers the collectors on a fresh registry, together
// with the Go runtime and process collectors. openStreams may be nil.
func New(openStreams func() float64) *Metrics {
	if openStreams == nil {
		openStreams = func() float64 { return 0 }
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RoundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_events_total",
			Help:      "Round lifecycle events by type.",
		}, []string{"type"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Directives handed to the dispatcher by kind.",
		}, []string{"kind"}),
		DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Directives the dispatcher failed to deliver by kind.",
		}, []string{"kind"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering a directive.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ApplyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_errors_total",
			Help:      "Events rejected by the engine by error type.",
		}, []string{"type"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Threads with an in-memory session.",
		}),
		OpenStreams: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_streams",
			Help:      "Participant streams the transport reports as open.",
		}, openStreams),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RoundEvents,
		m.Dispatches,
		m.DispatchFailures,
		m.DispatchDuration,
		m.ApplyErrors,
		m.ActiveSessions,
		m.OpenStreams,
	)
	return m
}

// ObserveEvents counts published lifecycle events.
func (m *Metrics) ObserveEvents(events []domain.RoundEvent) {
	if m == nil {
		return
	}
	for _, ev := range events {
		m.RoundEvents.WithLabelValues(string(ev.Type)).Inc()
	}
}

// ObserveDispatch records one directive delivery.
func (m *Metrics) ObserveDispatch(kind string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kind).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(seconds)
	if err != nil {
		m.DispatchFailures.WithLabelValues(kind).Inc()
	}
}

// ObserveApplyError counts an event the engine rejected.
func (m *Metrics) ObserveApplyError(err *domain.EngineError) {
	if m == nil || err == nil {
		return
	}
	m.ApplyErrors.WithLabelValues(string(err.Type)).Inc()
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
