// Package metrics exposes bridge counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
)

// Metrics holds all Prometheus metrics for the bridge service. It implements
// the bridge manager's metrics hooks.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec

	// Relay metrics
	AudioFramesDropped *prometheus.CounterVec

	// Event log metrics
	EventsTotal *prometheus.CounterVec

	ToolCalls *prometheus.CounterVec

	ObserversActive *prometheus.GaugeVec

	RateLimitHits *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_bridge"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of bridge sessions in the active state",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of finished bridge sessions by final state",
		},
		[]string{"state"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Bridge session lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"state"},
	)

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Bridge session state transitions",
		},
		[]string{"from", "to"},
	)

	audioDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames discarded by overflow, backpressure or barge-in",
		},
		[]string{"direction"},
	)

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_records_total",
			Help:      "Event records appended, by source and persistence outcome",
		},
		[]string{"source", "status"},
	)

	toolCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	observersActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_active",
			Help:      "Connected observers by kind",
		},
		[]string{"kind"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		transitions,
		audioDropped,
		eventsTotal,
		toolCalls,
		observersActive,
		rateLimitHits,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionsTotal:      sessionsTotal,
		SessionDuration:    sessionDuration,
		Transitions:        transitions,
		AudioFramesDropped: audioDropped,
		EventsTotal:        eventsTotal,
		ToolCalls:          toolCalls,
		ObserversActive:    observersActive,
		RateLimitHits:      rateLimitHits,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StateChanged tracks the active gauge from state transitions.
func (m *Metrics) StateChanged(from, to session.State) {
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	switch {
	case to == session.StateActive:
		m.SessionsActive.Inc()
	case from == session.StateActive:
		m.SessionsActive.Dec()
	}
}

// EventRecorded counts one append attempt.
func (m *Metrics) EventRecorded(source eventlog.Source, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.EventsTotal.WithLabelValues(string(source), status).Inc()
}

func (m *Metrics) ToolCall(name, outcome string) {
	m.ToolCalls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) AudioDropped(direction string, n int) {
	if n > 0 {
		m.AudioFramesDropped.WithLabelValues(direction).Add(float64(n))
	}
}

// SessionEnded records a finished session.
func (m *Metrics) SessionEnded(final session.State, lifetime time.Duration) {
	m.SessionsTotal.WithLabelValues(final.String()).Inc()
	m.SessionDuration.WithLabelValues(final.String()).Observe(lifetime.Seconds())
}

// ObserverAttached tracks a connected observer and returns its release.
func (m *Metrics) ObserverAttached(kind string) func() {
	g := m.ObserversActive.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(limitType string) {
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}
