package executor

import (
	"context"
	"fmt"

	"k8s.io/client-go/kubernetes"

	"github.com/nickmerrett/shadow/internal/config"
	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/internal/kube"
	"github.com/nickmerrett/shadow/internal/sidecarclient"
	"github.com/nickmerrett/shadow/internal/workspace"
	"github.com/nickmerrett/shadow/pkg/types"
)

// Factory picks the WorkspaceManager and ToolExecutor pair for a mode.
// Mode resolution order: explicit argument, process configuration, local.
type Factory struct {
	cfg    *config.Config
	tokens gitops.TokenSource

	kubeClient kubernetes.Interface
	podManager *workspace.PodManager
	vmManager  *workspace.VMManager
	localMgr   *workspace.LocalManager
}

// NewFactory creates a factory. The kube client is built lazily so local
// mode never needs a cluster.
func NewFactory(cfg *config.Config, tokens gitops.TokenSource) *Factory {
	return &Factory{cfg: cfg, tokens: tokens}
}

// ResolveMode applies the resolution order.
func (f *Factory) ResolveMode(explicit types.AgentMode) (types.AgentMode, error) {
	if explicit != "" {
		if !explicit.Valid() {
			return "", fmt.Errorf("unsupported agent mode %q", explicit)
		}
		return explicit, nil
	}
	if f.cfg.AgentMode != "" {
		mode := types.AgentMode(f.cfg.AgentMode)
		if !mode.Valid() {
			return "", fmt.Errorf("unsupported configured agent mode %q", f.cfg.AgentMode)
		}
		return mode, nil
	}
	return types.ModeLocal, nil
}

func (f *Factory) kube() (kubernetes.Interface, error) {
	if f.kubeClient == nil {
		client, err := kube.NewClient(f.cfg.KubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", workspace.ErrInfra, err)
		}
		f.kubeClient = client
	}
	return f.kubeClient, nil
}

// SetKubeClient injects a client (tests, pre-built clientsets).
func (f *Factory) SetKubeClient(client kubernetes.Interface) { f.kubeClient = client }

// CreateWorkspaceManager returns the manager for the mode. Managers are
// singletons per factory so all callers share lifecycle state.
func (f *Factory) CreateWorkspaceManager(mode types.AgentMode) (workspace.Manager, error) {
	resolved, err := f.ResolveMode(mode)
	if err != nil {
		return nil, err
	}

	switch resolved {
	case types.ModeLocal:
		if f.localMgr == nil {
			f.localMgr = workspace.NewLocalManager(f.cfg.LocalWorkspaces, f.tokens, f.cfg.MaxConcurrentSandboxes)
		}
		return f.localMgr, nil

	case types.ModeRemote:
		if f.podManager == nil {
			client, err := f.kube()
			if err != nil {
				return nil, err
			}
			f.podManager = workspace.NewPodManager(workspace.PodManagerOptions{
				Client:          client,
				Namespace:       f.cfg.Namespace,
				SidecarImage:    f.cfg.SidecarImage,
				SidecarPort:     f.cfg.SidecarPort,
				ControlPlaneURL: f.cfg.ControlPlaneURL,
				BootDeadline:    f.cfg.BootDeadline,
				MaxConcurrent:   f.cfg.MaxConcurrentSandboxes,
				Tokens:          f.tokens,
				RPC:             f.remoteRPC(),
			})
		}
		return f.podManager, nil

	case types.ModeVM:
		if f.vmManager == nil {
			f.vmManager = workspace.NewVMManager(workspace.VMManagerOptions{
				DataDir:        f.cfg.VMDataDir,
				FirecrackerBin: f.cfg.FirecrackerBin,
				KernelPath:     f.cfg.KernelPath,
				RootfsPath:     f.vmRootfs(),
				CPUs:           f.cfg.VMCPUs,
				MemoryMB:       f.cfg.VMMemoryMB,
				BootDeadline:   f.cfg.BootDeadline,
				MaxConcurrent:  f.cfg.MaxConcurrentSandboxes,
				Tokens:         f.tokens,
			})
		}
		return f.vmManager, nil
	}
	return nil, fmt.Errorf("unsupported agent mode %q", resolved)
}

func (f *Factory) vmRootfs() string {
	if f.cfg.VMImageRegistry == "" {
		return f.cfg.VMDataDir + "/rootfs.ext4"
	}
	return fmt.Sprintf("%s/shadow-sidecar-rootfs:%s", f.cfg.VMImageRegistry, f.cfg.VMImageTag)
}

// remoteRPC builds the shared resilient client with pod-IP discovery.
func (f *Factory) remoteRPC() *sidecarclient.Client {
	client := f.kubeClient
	namespace, port := f.cfg.Namespace, f.cfg.SidecarPort
	return sidecarclient.New(sidecarclient.Options{
		Namespace:        namespace,
		Port:             port,
		Timeout:          f.cfg.RPCTimeout,
		MaxRetries:       f.cfg.RPCMaxRetries,
		RetryDelay:       f.cfg.RPCRetryDelay,
		BreakerThreshold: f.cfg.CircuitBreakerThreshold,
		BreakerCooldown:  f.cfg.CircuitBreakerCooldown,
		Resolver: func(ctx context.Context, taskID string) (string, error) {
			return kube.DiscoverEndpoint(ctx, client, taskID, namespace, port)
		},
	})
}

// GetExecutor returns a ToolExecutor bound to the task's existing sandbox
// in the configured mode. Fails with NotRunning when no endpoint exists.
func (f *Factory) GetExecutor(ctx context.Context, taskID string) (ToolExecutor, error) {
	return f.CreateToolExecutor(ctx, taskID, "", "")
}

// CreateToolExecutor returns the executor bound to the task's sandbox.
// For remote and vm modes the endpoint is discovered dynamically; when no
// running pod or VM exists the construction fails with NotRunning — never
// silently downgraded to local.
func (f *Factory) CreateToolExecutor(ctx context.Context, taskID, workspacePath string, mode types.AgentMode) (ToolExecutor, error) {
	resolved, err := f.ResolveMode(mode)
	if err != nil {
		return nil, err
	}

	switch resolved {
	case types.ModeLocal:
		path := workspacePath
		if path == "" {
			mgr, err := f.CreateWorkspaceManager(types.ModeLocal)
			if err != nil {
				return nil, err
			}
			path = mgr.GetWorkspacePath(taskID)
		}
		return NewLocal(taskID, path, f.tokens, f.cfg.CommandTimeout)

	case types.ModeRemote:
		mgr, err := f.CreateWorkspaceManager(types.ModeRemote)
		if err != nil {
			return nil, err
		}
		pm := mgr.(*workspace.PodManager)
		// Probe discovery now: an executor for a dead sandbox is useless.
		client, err := f.kube()
		if err != nil {
			return nil, err
		}
		if _, err := kube.DiscoverEndpoint(ctx, client, taskID, f.cfg.Namespace, f.cfg.SidecarPort); err != nil {
			return nil, fmt.Errorf("task %s: %w", taskID, workspace.ErrNotRunning)
		}
		return NewRemote(taskID, pm.GetWorkspacePath(taskID), pm.RPC()), nil

	case types.ModeVM:
		mgr, err := f.CreateWorkspaceManager(types.ModeVM)
		if err != nil {
			return nil, err
		}
		vm := mgr.(*workspace.VMManager)
		rpc, err := vm.RPCFor(taskID)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", taskID, workspace.ErrNotRunning)
		}
		return NewRemote(taskID, vm.GetWorkspacePath(taskID), rpc), nil
	}
	return nil, fmt.Errorf("unsupported agent mode %q", resolved)
}
