package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	defaultGitName  = "Shadow Agent"
	defaultGitEmail = "agent@shadow.dev"
)

// LocalManager provisions in-process sandboxes: one directory per task
// under a base dir, repo cloned directly on the host.
type LocalManager struct {
	baseDir string
	tokens  gitops.TokenSource
	tracker *tracker
}

// NewLocalManager creates a manager rooting workspaces under baseDir.
func NewLocalManager(baseDir string, tokens gitops.TokenSource, maxConcurrent int) *LocalManager {
	return &LocalManager{
		baseDir: baseDir,
		tokens:  tokens,
		tracker: newTracker(maxConcurrent),
	}
}

// GetWorkspacePath is <base>/<sandbox name>/workspace.
func (m *LocalManager) GetWorkspacePath(taskID string) string {
	return filepath.Join(m.baseDir, types.SandboxName(taskID), "workspace")
}

// IsRemote reports false: operations run on the host filesystem.
func (m *LocalManager) IsRemote() bool { return false }

func (m *LocalManager) Sandbox(taskID string) (types.Sandbox, bool) { return m.tracker.get(taskID) }
func (m *LocalManager) ListSandboxes() []types.Sandbox              { return m.tracker.list() }

// PrepareWorkspace clones the repo, configures git and checks out the
// shadow branch. An existing Ready sandbox is reused; a Failed one is
// cleaned and recreated.
func (m *LocalManager) PrepareWorkspace(ctx context.Context, cfg types.TaskConfig) (*types.WorkspaceInfo, error) {
	path := m.GetWorkspacePath(cfg.TaskID)

	sb, existed, err := m.tracker.admit(cfg.TaskID, types.ModeLocal)
	if err != nil {
		return failureInfo(err), err
	}
	if existed {
		switch sb.Phase {
		case types.PhaseReady:
			return &types.WorkspaceInfo{Success: true, WorkspacePath: path}, nil
		case types.PhaseFailed:
			// Clean-then-create; a failed sandbox never leaks.
			if err := m.CleanupWorkspace(ctx, cfg.TaskID); err != nil {
				return failureInfo(err), err
			}
			if _, _, err := m.tracker.admit(cfg.TaskID, types.ModeLocal); err != nil {
				return failureInfo(err), err
			}
		default:
			err := fmt.Errorf("task %s already provisioning (phase %s)", cfg.TaskID, sb.Phase)
			return failureInfo(err), err
		}
	}

	if err := m.tracker.transition(cfg.TaskID, types.PhaseBooting); err != nil {
		return failureInfo(err), err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("create workspace dir: %w: %v", ErrInfra, err)
		return failureInfo(wrapped), wrapped
	}

	git := gitops.NewManager(path, m.tokens)
	clone := &types.CloneResult{Path: path}

	if _, statErr := os.Stat(filepath.Join(path, ".git")); statErr != nil {
		if err := git.Clone(ctx, cfg.RepoURL, cfg.BaseBranch); err != nil {
			m.tracker.fail(cfg.TaskID)
			clone.Error = err.Error()
			wrapped := fmt.Errorf("%w: %v", ErrCloneFailed, err)
			info := failureInfo(wrapped)
			info.CloneResult = clone
			return info, wrapped
		}
	}

	if err := git.Configure(ctx, defaultGitName, defaultGitEmail); err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("configure git: %w: %v", ErrInfra, err)
		return failureInfo(wrapped), wrapped
	}
	if err := git.CheckoutBranch(ctx, cfg.ShadowBranch); err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("checkout shadow branch: %w: %v", ErrInfra, err)
		return failureInfo(wrapped), wrapped
	}

	clone.Success = true
	clone.Branch = cfg.ShadowBranch
	if sha, _, _, err := git.CurrentCommit(ctx); err == nil {
		clone.CommitSha = sha
	}

	if err := m.tracker.transition(cfg.TaskID, types.PhaseReady); err != nil {
		return failureInfo(err), err
	}
	return &types.WorkspaceInfo{
		Success:       true,
		WorkspacePath: path,
		CloneResult:   clone,
	}, nil
}

// GetWorkspaceStatus reports existence, readiness and size. Never fails.
func (m *LocalManager) GetWorkspaceStatus(ctx context.Context, taskID string) *types.WorkspaceStatus {
	path := m.GetWorkspacePath(taskID)
	status := &types.WorkspaceStatus{Path: path}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		// A Failed sandbox still exists (and is cleanable) even when its
		// directory is gone.
		if sb, ok := m.tracker.get(taskID); ok && sb.Phase == types.PhaseFailed {
			status.Exists = true
			status.Error = "sandbox failed"
		}
		return status
	}
	status.Exists = true

	if sb, ok := m.tracker.get(taskID); ok {
		status.IsReady = sb.Phase == types.PhaseReady
	}

	var size int64
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			size += fi.Size()
		}
		return nil
	})
	status.SizeBytes = &size
	return status
}

// CleanupWorkspace removes the task directory and frees the identifier.
func (m *LocalManager) CleanupWorkspace(ctx context.Context, taskID string) error {
	m.tracker.drain(taskID)
	if err := os.RemoveAll(filepath.Join(m.baseDir, types.SandboxName(taskID))); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	m.tracker.remove(taskID)
	return nil
}

// HealthCheck reports whether the workspace directory holds a repository.
func (m *LocalManager) HealthCheck(ctx context.Context, taskID string) (bool, string) {
	path := m.GetWorkspacePath(taskID)
	if _, err := os.Stat(path); err != nil {
		return false, "workspace directory missing"
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return false, "workspace has no repository"
	}
	return true, "ok"
}

func failureInfo(err error) *types.WorkspaceInfo {
	return &types.WorkspaceInfo{
		Success:       false,
		Error:         err.Error(),
		FailureReason: reasonFor(err),
	}
}
