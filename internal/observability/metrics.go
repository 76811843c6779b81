// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for the engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's operational counters and histograms:
// run lifecycle, LLM call latency and token use, tool execution, and
// HTTP request timing. Everything derives from the run loop's event
// production; the event stream stays the source of truth.
type Metrics struct {
	registry *prometheus.Registry

	// RunsStarted counts runs by agent type.
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts settled runs by agent type and final status.
	RunsFinished *prometheus.CounterVec

	// RunDuration measures wall time from run creation to settlement.
	RunDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequests counts LLM calls by model and outcome.
	LLMRequests *prometheus.CounterVec

	// LLMTokens tracks token consumption by model and kind
	// (prompt|completion).
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations by tool and outcome.
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// EventsEmitted counts agent events by type.
	EventsEmitted *prometheus.CounterVec

	// HTTPRequestDuration measures façade request latency.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers the metric set on its own registry,
// so tests and multiple instances never collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_runs_started_total",
			Help: "Runs started, by agent type",
		}, []string{"agent_type"}),

		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_runs_finished_total",
			Help: "Runs settled, by agent type and final status",
		}, []string{"agent_type", "status"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_run_duration_seconds",
			Help:    "Run wall time from creation to settlement",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_type"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_llm_request_duration_seconds",
			Help:    "LLM call latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_llm_requests_total",
			Help: "LLM calls, by model and outcome",
		}, []string{"model", "status"}),

		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_llm_tokens_total",
			Help: "Tokens consumed, by model and kind",
		}, []string{"model", "kind"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_tool_executions_total",
			Help: "Tool invocations, by tool and outcome",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_tool_execution_duration_seconds",
			Help:    "Tool execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_events_emitted_total",
			Help: "Agent events emitted, by type",
		}, []string{"type"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_http_request_duration_seconds",
			Help:    "HTTP request latency, by method, route, and status",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records one settled run.
func (m *Metrics) ObserveRun(agentType, status string, elapsed time.Duration) {
	m.RunsFinished.WithLabelValues(agentType, status).Inc()
	m.RunDuration.WithLabelValues(agentType).Observe(elapsed.Seconds())
}

// ObserveLLMCall records one LLM call.
func (m *Metrics) ObserveLLMCall(model, status string, elapsed time.Duration) {
	m.LLMRequests.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// ObserveToolExecution records one tool invocation.
func (m *Metrics) ObserveToolExecution(tool, status string, elapsed time.Duration) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}
