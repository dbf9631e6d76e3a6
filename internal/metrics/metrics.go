// Package metrics registers the scheduler's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SandboxesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadow_sandboxes_active",
			Help: "Number of tracked sandboxes",
		},
		[]string{"mode", "phase"},
	)

	SandboxBootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shadow_sandbox_boot_duration_seconds",
			Help:    "Time from prepareWorkspace to Ready",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_sidecar_rpc_requests_total",
			Help: "Sidecar RPC outcomes by error kind (ok for success)",
		},
		[]string{"kind"},
	)

	TaskHealthLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadow_task_health_level",
			Help: "Per-task health level (0 healthy, 1 warning, 2 critical)",
		},
		[]string{"task"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_health_checks_total",
			Help: "Health monitor passes by resulting level",
		},
		[]string{"level"},
	)

	TerminalDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shadow_terminal_entries_dropped_total",
			Help: "Terminal entries rejected under backpressure",
		},
	)

	FSEventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_fs_events_received_total",
			Help: "Filesystem events received from sidecars",
		},
		[]string{"type"},
	)

	SidecarHeartbeats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadow_sidecar_heartbeat_terminal_entries",
			Help: "Terminal buffer occupancy reported by sidecar heartbeats",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesActive,
		SandboxBootDuration,
		RPCRequests,
		TaskHealthLevel,
		HealthChecksTotal,
		TerminalDrops,
		FSEventsReceived,
		SidecarHeartbeats,
	)
}
