// Package health implements the monitor that periodically grades each
// active sandbox and the infrastructure underneath the fleet.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nickmerrett/shadow/internal/metrics"
	"github.com/nickmerrett/shadow/internal/workspace"
	"github.com/nickmerrett/shadow/pkg/types"
)

// Level grades one sandbox or the infrastructure.
type Level int

const (
	Healthy Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Grading thresholds.
const (
	defaultInterval   = 30 * time.Second
	probeTimeout      = 5 * time.Second
	slowResponse      = time.Second
	slowBoot          = 180 * time.Second
)

// TaskReport is one sandbox's grade with its reasons.
type TaskReport struct {
	TaskID       string        `json:"taskId"`
	Level        Level         `json:"level"`
	Phase        types.SandboxPhase `json:"phase"`
	Reasons      []string      `json:"reasons,omitempty"`
	ResponseTime time.Duration `json:"responseTime"`
	RestartCount int           `json:"restartCount"`
	Uptime       time.Duration `json:"uptime"`
}

// Options configures a Monitor.
type Options struct {
	Manager          workspace.Manager
	Infra            InfraInspector // nil skips infrastructure grading
	Interval         time.Duration
	MaxSandboxUptime time.Duration
}

// Monitor iterates active tasks on a fixed interval. It logs and counts;
// it never terminates sandboxes — long-stuck tasks get warnings only.
type Monitor struct {
	manager   workspace.Manager
	infra     InfraInspector
	interval  time.Duration
	maxUptime time.Duration

	mu      sync.Mutex
	reports map[string]TaskReport

	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor; Run starts it.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Monitor{
		manager:   opts.Manager,
		infra:     opts.Infra,
		interval:  opts.Interval,
		maxUptime: opts.MaxSandboxUptime,
		reports:   make(map[string]TaskReport),
		done:      make(chan struct{}),
	}
}

// Run loops until ctx is cancelled or Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Stop ends Run.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Report returns the last grade for a task.
func (m *Monitor) Report(taskID string) (TaskReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[taskID]
	return r, ok
}

// Sweep grades every active sandbox once, then the infrastructure.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, sb := range m.manager.ListSandboxes() {
		report := m.gradeTask(ctx, sb)

		m.mu.Lock()
		m.reports[sb.TaskID] = report
		m.mu.Unlock()

		metrics.TaskHealthLevel.WithLabelValues(sb.TaskID).Set(float64(report.Level))
		metrics.HealthChecksTotal.WithLabelValues(report.Level.String()).Inc()

		switch report.Level {
		case Critical:
			log.Printf("health: task %s CRITICAL: %v", sb.TaskID, report.Reasons)
		case Warning:
			log.Printf("health: task %s warning: %v", sb.TaskID, report.Reasons)
		}
	}

	if m.infra != nil {
		infraReport := m.infra.Inspect(ctx)
		if infraReport.Level != Healthy {
			log.Printf("health: infrastructure %s: %v", infraReport.Level, infraReport.Reasons)
		}
	}
}

// gradeTask derives the level from sandbox phase, restart count, sidecar
// reachability, response time and uptime.
func (m *Monitor) gradeTask(ctx context.Context, sb types.Sandbox) TaskReport {
	report := TaskReport{
		TaskID:       sb.TaskID,
		Phase:        sb.Phase,
		RestartCount: sb.RestartCount,
		Uptime:       time.Since(sb.CreatedAt),
	}

	// Critical conditions first: Failed phase, not Ready, unreachable.
	if sb.Phase == types.PhaseFailed {
		report.Level = Critical
		report.Reasons = append(report.Reasons, "sandbox phase Failed")
		return report
	}
	if sb.Phase != types.PhaseReady {
		report.Level = Critical
		report.Reasons = append(report.Reasons, "sandbox not Ready (phase "+string(sb.Phase)+")")
		return report
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	start := time.Now()
	healthy, msg := m.manager.HealthCheck(probeCtx, sb.TaskID)
	report.ResponseTime = time.Since(start)
	cancel()

	if !healthy {
		report.Level = Critical
		report.Reasons = append(report.Reasons, "sidecar unreachable: "+msg)
		return report
	}

	// Warning conditions accumulate.
	if sb.RestartCount > 0 {
		report.Reasons = append(report.Reasons, "container restarts observed")
	}
	if report.ResponseTime > slowResponse {
		report.Reasons = append(report.Reasons, "health probe slower than 1s")
	}
	if bootedIn := sb.LastHealthy.Sub(sb.CreatedAt); !sb.LastHealthy.IsZero() && bootedIn > slowBoot {
		report.Reasons = append(report.Reasons, "slow boot")
	}
	if m.maxUptime > 0 && report.Uptime > m.maxUptime {
		// Warn only; the monitor never force-terminates.
		report.Reasons = append(report.Reasons, "exceeded max sandbox uptime")
	}

	if len(report.Reasons) > 0 {
		report.Level = Warning
	}
	return report
}
