// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the sandbox jail. Both are injected via dependency
// injection; nothing here is global state.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for NoxRunner.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxOperationsTotal *prometheus.CounterVec
	ActiveSandboxes        prometheus.Gauge

	// Command execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Command policy metrics.
	CommandRejectionsTotal *prometheus.CounterVec

	// Archive transfer metrics.
	ArchiveMembersTotal *prometheus.CounterVec

	// Reaper metrics.
	ReapedSandboxesTotal prometheus.Counter
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noxrunner",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total sandbox registry operations.",
		}, []string{"operation", "status"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noxrunner",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of live sandbox records.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noxrunner",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Total sandboxed command executions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noxrunner",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Sandboxed command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"status"}),

		CommandRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noxrunner",
			Subsystem: "security",
			Name:      "command_rejections_total",
			Help:      "Commands rejected by the allow/deny policy.",
		}, []string{"reason"}),

		ArchiveMembersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noxrunner",
			Subsystem: "archive",
			Name:      "members_total",
			Help:      "Archive members processed during unpack.",
		}, []string{"outcome"}),

		ReapedSandboxesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noxrunner",
			Subsystem: "reaper",
			Name:      "reaped_total",
			Help:      "Sandboxes deleted by the expiry reaper.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxOperationsTotal,
		m.ActiveSandboxes,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.CommandRejectionsTotal,
		m.ArchiveMembersTotal,
		m.ReapedSandboxesTotal,
	)

	return m
}
