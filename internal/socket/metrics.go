package socket

import (
	"github.com/nickmerrett/shadow/internal/metrics"
	"github.com/nickmerrett/shadow/pkg/types"
)

// NewInstrumentedHub wires the hub's event and heartbeat streams into the
// Prometheus collectors, composing any extra handlers on top.
func NewInstrumentedHub(onEvent EventHandler, onHeartbeat HeartbeatHandler) *Hub {
	return NewHub(
		func(ev types.FileSystemEvent) {
			metrics.FSEventsReceived.WithLabelValues(string(ev.Type)).Inc()
			if onEvent != nil {
				onEvent(ev)
			}
		},
		func(taskID string, stats types.HeartbeatStats) {
			metrics.SidecarHeartbeats.WithLabelValues(taskID).Set(float64(stats.TerminalEntries))
			if onHeartbeat != nil {
				onHeartbeat(taskID, stats)
			}
		},
	)
}
