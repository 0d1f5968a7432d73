// Package metrics exposes Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors used across the bridge. A single instance
// is created at startup and handed to the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	TurnsTotal     *prometheus.CounterVec
	ToolCallsTotal *prometheus.CounterVec
	LLMRetries     prometheus.Counter
	LLMDuration    prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_sessions_active",
			Help: "Number of live chat sessions.",
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_turns_total",
			Help: "Completed chat turns by outcome.",
		}, []string{"outcome"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_tool_calls_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		LLMRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_llm_retries_total",
			Help: "Model invocation retries.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_llm_invocation_seconds",
			Help:    "Model invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.TurnsTotal,
		m.ToolCallsTotal,
		m.LLMRetries,
		m.LLMDuration,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
