package workspace

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/internal/kube"
	"github.com/nickmerrett/shadow/internal/sidecarclient"
	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	healthPollInterval = 2 * time.Second
	healthPollTimeout  = 5 * time.Second
	defaultBootWindow  = 120 * time.Second
	remoteWorkspace    = "/workspace"
)

// PodManagerOptions configures a PodManager.
type PodManagerOptions struct {
	Client           kubernetes.Interface
	Namespace        string
	SidecarImage     string
	SidecarPort      int
	ControlPlaneURL  string
	RuntimeClassName string // set for microVM runtime handlers
	BootDeadline     time.Duration
	MaxConcurrent    int
	Tokens           gitops.TokenSource
	RPC              *sidecarclient.Client // nil builds a default client with pod-IP discovery
}

// PodManager provisions one Kubernetes pod (plus service) per task, with
// the sidecar serving the workspace inside it.
type PodManager struct {
	client       kubernetes.Interface
	namespace    string
	sidecarImage string
	sidecarPort  int
	cpURL        string
	runtimeClass string
	bootDeadline time.Duration
	tokens       gitops.TokenSource
	rpc          *sidecarclient.Client
	tracker      *tracker
}

// NewPodManager creates the manager.
func NewPodManager(opts PodManagerOptions) *PodManager {
	if opts.SidecarPort <= 0 {
		opts.SidecarPort = 8080
	}
	if opts.BootDeadline <= 0 {
		opts.BootDeadline = defaultBootWindow
	}
	m := &PodManager{
		client:       opts.Client,
		namespace:    opts.Namespace,
		sidecarImage: opts.SidecarImage,
		sidecarPort:  opts.SidecarPort,
		cpURL:        opts.ControlPlaneURL,
		runtimeClass: opts.RuntimeClassName,
		bootDeadline: opts.BootDeadline,
		tokens:       opts.Tokens,
		rpc:          opts.RPC,
		tracker:      newTracker(opts.MaxConcurrent),
	}
	if m.rpc == nil {
		m.rpc = sidecarclient.New(sidecarclient.Options{
			Namespace: opts.Namespace,
			Port:      opts.SidecarPort,
			Resolver: func(ctx context.Context, taskID string) (string, error) {
				return kube.DiscoverEndpoint(ctx, opts.Client, taskID, opts.Namespace, opts.SidecarPort)
			},
		})
	}
	return m
}

// RPC exposes the manager's sidecar client for executors and health.
func (m *PodManager) RPC() *sidecarclient.Client { return m.rpc }

// GetWorkspacePath is /workspace inside every sandbox pod.
func (m *PodManager) GetWorkspacePath(taskID string) string { return remoteWorkspace }

// IsRemote reports true: every tool call crosses the network.
func (m *PodManager) IsRemote() bool { return true }

func (m *PodManager) Sandbox(taskID string) (types.Sandbox, bool) { return m.tracker.get(taskID) }
func (m *PodManager) ListSandboxes() []types.Sandbox              { return m.tracker.list() }

// PrepareWorkspace creates the pod, waits for readiness (pod Running+Ready
// then sidecar /health), and drives the in-sandbox clone and branch setup
// through the sidecar's git API.
func (m *PodManager) PrepareWorkspace(ctx context.Context, cfg types.TaskConfig) (*types.WorkspaceInfo, error) {
	sb, existed, err := m.tracker.admit(cfg.TaskID, types.ModeRemote)
	if err != nil {
		return failureInfo(err), err
	}
	if existed {
		switch sb.Phase {
		case types.PhaseReady:
			return m.readyInfo(cfg.TaskID, sb), nil
		case types.PhaseFailed:
			if err := m.CleanupWorkspace(ctx, cfg.TaskID); err != nil {
				return failureInfo(err), err
			}
			if _, _, err := m.tracker.admit(cfg.TaskID, types.ModeRemote); err != nil {
				return failureInfo(err), err
			}
		default:
			err := fmt.Errorf("task %s already provisioning (phase %s)", cfg.TaskID, sb.Phase)
			return failureInfo(err), err
		}
	}

	pod, err := kube.CreateSandbox(ctx, m.client, m.podSpec(cfg))
	if err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("%w: %v", ErrInfra, err)
		return failureInfo(wrapped), wrapped
	}
	if err := m.tracker.transition(cfg.TaskID, types.PhaseBooting); err != nil {
		return failureInfo(err), err
	}
	m.tracker.update(cfg.TaskID, func(sb *types.Sandbox) {
		sb.PodName = pod.Name
		sb.Namespace = m.namespace
	})

	bootCtx, cancel := context.WithTimeout(ctx, m.bootDeadline)
	defer cancel()

	pod, err = kube.WaitForPodReady(bootCtx, m.client, cfg.TaskID, m.namespace)
	if err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := classifyBootErr(bootCtx, err)
		return failureInfo(wrapped), wrapped
	}
	m.tracker.update(cfg.TaskID, func(sb *types.Sandbox) {
		sb.Endpoint = fmt.Sprintf("http://%s:%d", pod.Status.PodIP, m.sidecarPort)
	})

	if err := m.waitForSidecar(bootCtx, cfg.TaskID); err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := classifyBootErr(bootCtx, err)
		return failureInfo(wrapped), wrapped
	}

	clone, err := m.setupRepository(ctx, cfg)
	if err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("%w: %v", ErrCloneFailed, err)
		info := failureInfo(wrapped)
		info.CloneResult = clone
		return info, wrapped
	}

	if err := m.tracker.transition(cfg.TaskID, types.PhaseReady); err != nil {
		return failureInfo(err), err
	}
	sbNow, _ := m.tracker.get(cfg.TaskID)
	info := m.readyInfo(cfg.TaskID, &sbNow)
	info.CloneResult = clone
	return info, nil
}

func (m *PodManager) podSpec(cfg types.TaskConfig) kube.PodSpec {
	return kube.PodSpec{
		TaskID:           cfg.TaskID,
		Namespace:        m.namespace,
		Image:            m.sidecarImage,
		SidecarPort:      m.sidecarPort,
		WorkspaceDir:     remoteWorkspace,
		ControlPlaneURL:  m.cpURL,
		RuntimeClassName: m.runtimeClass,
	}
}

func (m *PodManager) readyInfo(taskID string, sb *types.Sandbox) *types.WorkspaceInfo {
	name := types.SandboxName(taskID)
	return &types.WorkspaceInfo{
		Success:       true,
		WorkspacePath: remoteWorkspace,
		PodName:       sb.PodName,
		PodNamespace:  m.namespace,
		ServiceName:   name,
		ServiceURL:    sidecarclient.ServiceURL(taskID, m.namespace, m.sidecarPort),
	}
}

// waitForSidecar polls /health with a short per-probe timeout until the
// sidecar answers healthy or ctx expires.
func (m *PodManager) waitForSidecar(ctx context.Context, taskID string) error {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, healthPollTimeout)
		resp, err := m.rpc.Health(probeCtx, taskID)
		cancel()
		if err == nil && resp.Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("sidecar never became healthy: %w", err)
			}
			return fmt.Errorf("sidecar never became healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// setupRepository drives clone + identity + shadow branch in the sandbox.
func (m *PodManager) setupRepository(ctx context.Context, cfg types.TaskConfig) (*types.CloneResult, error) {
	clone := &types.CloneResult{Path: remoteWorkspace}

	repoURL := cfg.RepoURL
	if m.tokens != nil {
		// The sidecar has no credentials of its own; the token rides in
		// the clone URL over the pod-local connection.
		token, err := m.tokens(ctx)
		if err != nil {
			return clone, fmt.Errorf("%w: %v", ErrAuthMissing, err)
		}
		if token != "" {
			repoURL = gitops.InjectToken(repoURL, token)
		}
	}

	if err := m.rpc.Do(ctx, cfg.TaskID, http.MethodPost, "/api/git/clone",
		map[string]string{"repoUrl": repoURL, "branch": cfg.BaseBranch}, nil); err != nil {
		clone.Error = err.Error()
		return clone, err
	}
	if err := m.rpc.Do(ctx, cfg.TaskID, http.MethodPost, "/api/git/config",
		map[string]string{"name": defaultGitName, "email": defaultGitEmail}, nil); err != nil {
		return clone, err
	}
	var branchResp types.GitBranchResult
	if err := m.rpc.Do(ctx, cfg.TaskID, http.MethodPost, "/api/git/branch",
		map[string]string{"branch": cfg.ShadowBranch}, &branchResp); err != nil {
		return clone, err
	}

	clone.Success = true
	clone.Branch = cfg.ShadowBranch
	var commitResp types.GitCommitInfoResult
	if err := m.rpc.Do(ctx, cfg.TaskID, http.MethodGet, "/api/git/current-commit", nil, &commitResp); err == nil {
		clone.CommitSha = commitResp.CommitSha
	}
	return clone, nil
}

// GetWorkspaceStatus snapshots pod existence and readiness. Never fails.
func (m *PodManager) GetWorkspaceStatus(ctx context.Context, taskID string) *types.WorkspaceStatus {
	status := &types.WorkspaceStatus{Path: remoteWorkspace}

	pod, err := kube.GetPod(ctx, m.client, taskID, m.namespace)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if pod == nil {
		if sb, ok := m.tracker.get(taskID); ok && sb.Phase == types.PhaseFailed {
			status.Exists = true
			status.Error = "sandbox failed"
		}
		return status
	}
	status.Exists = true
	status.IsReady = kube.PodIsReady(pod)
	if pod.Status.Phase == corev1.PodFailed {
		status.IsReady = false
		status.Error = "pod failed"
	}
	return status
}

// CleanupWorkspace deletes the pod and service; missing objects are fine.
func (m *PodManager) CleanupWorkspace(ctx context.Context, taskID string) error {
	m.tracker.drain(taskID)
	if err := kube.DeleteSandbox(ctx, m.client, taskID, m.namespace); err != nil {
		return fmt.Errorf("%w: %v", ErrInfra, err)
	}
	m.tracker.remove(taskID)
	m.rpc.Forget(taskID)
	log.Printf("workspace: cleaned up sandbox for task %s", taskID)
	return nil
}

// HealthCheck combines pod readiness and the sidecar /health probe.
func (m *PodManager) HealthCheck(ctx context.Context, taskID string) (bool, string) {
	pod, err := kube.GetPod(ctx, m.client, taskID, m.namespace)
	if err != nil {
		return false, fmt.Sprintf("pod lookup failed: %v", err)
	}
	if pod == nil {
		return false, "pod not found"
	}
	m.tracker.update(taskID, func(sb *types.Sandbox) {
		sb.RestartCount = kube.RestartCount(pod)
	})
	if !kube.PodIsReady(pod) {
		return false, fmt.Sprintf("pod %s not ready (phase %s)", pod.Name, pod.Status.Phase)
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthPollTimeout)
	defer cancel()
	resp, err := m.rpc.Health(probeCtx, taskID)
	if err != nil {
		return false, fmt.Sprintf("sidecar unreachable: %v", err)
	}
	if !resp.Healthy {
		return false, "sidecar reports unhealthy"
	}
	return true, "ok"
}

func classifyBootErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrBootTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrInfra, err)
}
