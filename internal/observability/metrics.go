package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the orchestration counters and histograms. They are
// registered on a private registry owned by the server root so tests
// can create instances freely.
type Metrics struct {
	registry *prometheus.Registry

	// RequestCounter counts chat requests by execution mode and outcome.
	// Labels: mode (plain|retrieval|tools|agentic), outcome (ok|blocked|error|cancelled)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end request latency in seconds.
	// Labels: mode
	RequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool executions.
	// Labels: tool, status (success|failure|timeout|rejected)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool call latency in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// RetrievalSourceCounter counts per-source retrieval outcomes.
	// Labels: source, status (ok|error|timeout)
	RetrievalSourceCounter *prometheus.CounterVec

	// TokensDropped counts token events shed under back-pressure.
	TokensDropped prometheus.Counter

	// ActiveSessions tracks sessions currently resident in the store.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_requests_total",
				Help: "Chat requests by execution mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atlas_request_duration_seconds",
				Help:    "End-to-end chat request latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_tool_executions_total",
				Help: "Tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atlas_tool_execution_duration_seconds",
				Help:    "Tool call latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),

		RetrievalSourceCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_retrieval_sources_total",
				Help: "Per-source retrieval outcomes",
			},
			[]string{"source", "status"},
		),

		TokensDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "atlas_tokens_dropped_total",
				Help: "Token events shed because the subscriber fell behind",
			},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "atlas_active_sessions",
				Help: "Sessions currently resident in the store",
			},
		),
	}
}

// Registry exposes the private registry for the metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records one finished chat request.
func (m *Metrics) RecordRequest(mode, outcome string, durationSeconds float64) {
	m.RequestCounter.WithLabelValues(mode, outcome).Inc()
	m.RequestDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordToolExecution records one finished tool call.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// AddTokensDropped counts token events shed under back-pressure.
func (m *Metrics) AddTokensDropped(n uint64) {
	m.TokensDropped.Add(float64(n))
}

// AddActiveSessions moves the session gauge by delta; the session
// store calls it as sessions come and go.
func (m *Metrics) AddActiveSessions(delta int) {
	m.ActiveSessions.Add(float64(delta))
}

// RecordRetrievalSource records one per-source retrieval outcome.
func (m *Metrics) RecordRetrievalSource(source, status string) {
	m.RetrievalSourceCounter.WithLabelValues(source, status).Inc()
}
