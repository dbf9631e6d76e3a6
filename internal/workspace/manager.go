// Package workspace implements the sandbox lifecycle: the WorkspaceManager
// contract, the per-sandbox state machine, and the local, pod and microVM
// backends behind it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nickmerrett/shadow/internal/metrics"
	"github.com/nickmerrett/shadow/pkg/types"
)

// Typed lifecycle failures.
var (
	ErrAuthMissing = errors.New("repository auth missing")
	ErrCloneFailed = errors.New("clone failed")
	ErrBootTimeout = errors.New("sandbox boot timed out")
	ErrInfra       = errors.New("infrastructure failure")
	ErrNotRunning  = errors.New("sandbox not running")
	ErrAtCapacity  = errors.New("max concurrent sandboxes reached")
)

// Manager drives sandbox provisioning for one backend.
type Manager interface {
	// PrepareWorkspace brings the task's sandbox to Ready: repo cloned at
	// the workspace path, shadow branch checked out, git user configured.
	PrepareWorkspace(ctx context.Context, cfg types.TaskConfig) (*types.WorkspaceInfo, error)
	// GetWorkspaceStatus returns a snapshot; it never fails — a missing
	// sandbox reports exists=false.
	GetWorkspaceStatus(ctx context.Context, taskID string) *types.WorkspaceStatus
	// CleanupWorkspace removes the sandbox and frees the identifier.
	// Idempotent: cleaning a missing sandbox succeeds.
	CleanupWorkspace(ctx context.Context, taskID string) error
	// GetWorkspacePath is the deterministic workspace path for the task.
	GetWorkspacePath(taskID string) string
	// HealthCheck reports sandbox health with a diagnostic message.
	HealthCheck(ctx context.Context, taskID string) (bool, string)
	// IsRemote reports whether tool calls cross a network boundary.
	IsRemote() bool
	// Sandbox returns the tracked record for a task.
	Sandbox(taskID string) (types.Sandbox, bool)
	// ListSandboxes snapshots every tracked sandbox.
	ListSandboxes() []types.Sandbox
}

// reasonFor maps a lifecycle error to its stable failure annotation.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrAuthMissing):
		return "AuthMissing"
	case errors.Is(err, ErrCloneFailed):
		return "CloneFailed"
	case errors.Is(err, ErrBootTimeout):
		return "BootTimeout"
	case errors.Is(err, ErrInfra):
		return "Infra"
	case errors.Is(err, ErrNotRunning):
		return "NotRunning"
	case errors.Is(err, ErrAtCapacity):
		return "AtCapacity"
	default:
		return "Unknown"
	}
}

// legal transitions of the sandbox state machine. Failed is reachable from
// every non-terminal phase.
var transitions = map[types.SandboxPhase][]types.SandboxPhase{
	types.PhasePending:  {types.PhaseBooting, types.PhaseFailed, types.PhaseDraining},
	types.PhaseBooting:  {types.PhaseReady, types.PhaseFailed, types.PhaseDraining},
	types.PhaseReady:    {types.PhaseDraining, types.PhaseFailed},
	types.PhaseDraining: {types.PhaseTerminated, types.PhaseFailed},
	types.PhaseFailed:   {types.PhaseDraining},
}

// tracker owns the in-memory sandbox records for one manager. A task id
// maps to exactly one live sandbox.
type tracker struct {
	mu        sync.Mutex
	sandboxes map[string]*types.Sandbox
	max       int
}

func newTracker(maxConcurrent int) *tracker {
	return &tracker{sandboxes: make(map[string]*types.Sandbox), max: maxConcurrent}
}

// admit registers a new Pending sandbox, or returns the existing record.
func (t *tracker) admit(taskID string, mode types.AgentMode) (*types.Sandbox, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sb, ok := t.sandboxes[taskID]; ok {
		return sb, true, nil
	}
	if t.max > 0 && len(t.sandboxes) >= t.max {
		return nil, false, fmt.Errorf("%w (%d)", ErrAtCapacity, t.max)
	}
	sb := &types.Sandbox{
		TaskID:    taskID,
		Mode:      mode,
		Phase:     types.PhasePending,
		CreatedAt: time.Now(),
	}
	t.sandboxes[taskID] = sb
	metrics.SandboxesActive.WithLabelValues(string(mode), string(types.PhasePending)).Inc()
	return sb, false, nil
}

// transition moves the sandbox to the target phase, validating legality.
func (t *tracker) transition(taskID string, to types.SandboxPhase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb, ok := t.sandboxes[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotRunning)
	}
	if sb.Phase == to {
		return nil
	}
	for _, legal := range transitions[sb.Phase] {
		if legal == to {
			log.Printf("workspace: sandbox %s %s -> %s", taskID, sb.Phase, to)
			metrics.SandboxesActive.WithLabelValues(string(sb.Mode), string(sb.Phase)).Dec()
			metrics.SandboxesActive.WithLabelValues(string(sb.Mode), string(to)).Inc()
			if to == types.PhaseReady {
				sb.LastHealthy = time.Now()
				metrics.SandboxBootDuration.WithLabelValues(string(sb.Mode)).Observe(time.Since(sb.CreatedAt).Seconds())
			}
			sb.Phase = to
			return nil
		}
	}
	return fmt.Errorf("illegal sandbox transition %s -> %s for task %s", sb.Phase, to, taskID)
}

// fail force-moves a sandbox to Failed; legal from any live phase.
func (t *tracker) fail(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sb, ok := t.sandboxes[taskID]; ok && sb.Phase != types.PhaseTerminated {
		log.Printf("workspace: sandbox %s %s -> %s", taskID, sb.Phase, types.PhaseFailed)
		metrics.SandboxesActive.WithLabelValues(string(sb.Mode), string(sb.Phase)).Dec()
		metrics.SandboxesActive.WithLabelValues(string(sb.Mode), string(types.PhaseFailed)).Inc()
		sb.Phase = types.PhaseFailed
	}
}

func (t *tracker) get(taskID string) (types.Sandbox, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb, ok := t.sandboxes[taskID]
	if !ok {
		return types.Sandbox{}, false
	}
	return *sb, true
}

// drain moves a live sandbox into Draining ahead of cleanup.
func (t *tracker) drain(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sb, ok := t.sandboxes[taskID]; ok && !sb.Phase.Terminal() && sb.Phase != types.PhaseDraining {
		metrics.SandboxesActive.WithLabelValues(string(sb.Mode), string(sb.Phase)).Dec()
		metrics.SandboxesActive.WithLabelValues(string(sb.Mode), string(types.PhaseDraining)).Inc()
		sb.Phase = types.PhaseDraining
	}
}

func (t *tracker) update(taskID string, fn func(*types.Sandbox)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sb, ok := t.sandboxes[taskID]; ok {
		fn(sb)
	}
}

// remove frees the identifier.
func (t *tracker) remove(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sb, ok := t.sandboxes[taskID]; ok {
		metrics.SandboxesActive.WithLabelValues(string(sb.Mode), string(sb.Phase)).Dec()
	}
	delete(t.sandboxes, taskID)
}

func (t *tracker) list() []types.Sandbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Sandbox, 0, len(t.sandboxes))
	for _, sb := range t.sandboxes {
		out = append(out, *sb)
	}
	return out
}
