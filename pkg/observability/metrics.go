// Package observability exposes Prometheus metrics for the task
// service and tool executor.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one service instance. Using an
// instance-scoped registry keeps tests free of global collector
// collisions.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksCompleted *prometheus.CounterVec
	TasksActive    prometheus.Gauge

	LoopIterations prometheus.Histogram

	ToolDuration *prometheus.HistogramVec
	ToolErrors   *prometheus.CounterVec
}

// NewMetrics builds a metrics set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_tasks_submitted_total",
			Help: "Number of tasks submitted.",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_tasks_terminal_total",
			Help: "Number of tasks reaching a terminal state, by state.",
		}, []string{"state"}),
		TasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "veritas_tasks_active",
			Help: "Number of tasks currently executing.",
		}),
		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "veritas_helpfulness_loop_iterations",
			Help:    "Helpfulness loop iterations consumed per task.",
			Buckets: prometheus.LinearBuckets(0, 1, 12),
		}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veritas_tool_duration_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ToolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_tool_errors_total",
			Help: "Tool invocations resolving to an error result.",
		}, []string{"tool"}),
	}
}

// ObserveTool records one resolved tool invocation. It satisfies the
// executor's observer hook.
func (m *Metrics) ObserveTool(tool string, elapsed time.Duration, isError bool) {
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	if isError {
		m.ToolErrors.WithLabelValues(tool).Inc()
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
