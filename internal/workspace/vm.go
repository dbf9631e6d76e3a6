package workspace

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/internal/sidecarclient"
	"github.com/nickmerrett/shadow/internal/vmm"
	"github.com/nickmerrett/shadow/pkg/types"
)

// VMManagerOptions configures a VMManager.
type VMManagerOptions struct {
	DataDir        string
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string
	CPUs           int
	MemoryMB       int
	BootDeadline   time.Duration
	MaxConcurrent  int
	Tokens         gitops.TokenSource
}

// machineHandle is the slice of vmm.Machine the manager drives. An
// interface so tests can provision without a firecracker binary or root.
type machineHandle interface {
	Boot(ctx context.Context) error
	Running() bool
	Shutdown() error
	SidecarEndpoint() string
	HTTPClient() *http.Client
}

// VMManager provisions one Firecracker microVM per task: a /30 subnet and
// TAP device for guest egress, the VMM process, and the in-VM sidecar
// reached through the vsock tunnel.
type VMManager struct {
	opts    VMManagerOptions
	tracker *tracker
	subnets *vmm.SubnetAllocator

	mu       sync.Mutex
	machines map[string]machineHandle
	networks map[string]*vmm.NetworkConfig
	clients  map[string]*sidecarclient.Client
	nextCID  uint32

	forwardingOnce sync.Once
	forwardingErr  error

	// Host-side hooks, swappable in tests.
	newMachine       func(vmm.Config) (machineHandle, error)
	createTAP        func(*vmm.NetworkConfig) error
	deleteTAP        func(string)
	enableForwarding func() error
}

// NewVMManager creates the manager.
func NewVMManager(opts VMManagerOptions) *VMManager {
	if opts.BootDeadline <= 0 {
		opts.BootDeadline = defaultBootWindow
	}
	return &VMManager{
		opts:     opts,
		tracker:  newTracker(opts.MaxConcurrent),
		subnets:  vmm.NewSubnetAllocator(),
		machines: make(map[string]machineHandle),
		networks: make(map[string]*vmm.NetworkConfig),
		clients:  make(map[string]*sidecarclient.Client),
		nextCID:  3, // 0-2 are reserved vsock CIDs
		newMachine: func(cfg vmm.Config) (machineHandle, error) {
			return vmm.NewMachine(cfg)
		},
		createTAP:        vmm.CreateTAP,
		deleteTAP:        vmm.DeleteTAP,
		enableForwarding: vmm.EnableForwarding,
	}
}

// GetWorkspacePath is /workspace inside every microVM.
func (m *VMManager) GetWorkspacePath(taskID string) string { return remoteWorkspace }

// IsRemote reports true: calls tunnel through the vsock.
func (m *VMManager) IsRemote() bool { return true }

func (m *VMManager) Sandbox(taskID string) (types.Sandbox, bool) { return m.tracker.get(taskID) }
func (m *VMManager) ListSandboxes() []types.Sandbox              { return m.tracker.list() }

// Machine returns the task's booted machine, if any.
func (m *VMManager) Machine(taskID string) (machineHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, ok := m.machines[taskID]
	return machine, ok
}

// Network returns the task's allocated host-side network, if any.
func (m *VMManager) Network(taskID string) (*vmm.NetworkConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.networks[taskID]
	return cfg, ok
}

// RPCFor returns the task's vsock-tunneled sidecar client.
func (m *VMManager) RPCFor(taskID string) (*sidecarclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotRunning)
	}
	return client, nil
}

// PrepareWorkspace boots the microVM, waits for the in-VM sidecar, and
// drives the clone and branch setup through it.
func (m *VMManager) PrepareWorkspace(ctx context.Context, cfg types.TaskConfig) (*types.WorkspaceInfo, error) {
	sb, existed, err := m.tracker.admit(cfg.TaskID, types.ModeVM)
	if err != nil {
		return failureInfo(err), err
	}
	if existed {
		switch sb.Phase {
		case types.PhaseReady:
			return &types.WorkspaceInfo{Success: true, WorkspacePath: remoteWorkspace}, nil
		case types.PhaseFailed:
			if err := m.CleanupWorkspace(ctx, cfg.TaskID); err != nil {
				return failureInfo(err), err
			}
			if _, _, err := m.tracker.admit(cfg.TaskID, types.ModeVM); err != nil {
				return failureInfo(err), err
			}
		default:
			err := fmt.Errorf("task %s already provisioning (phase %s)", cfg.TaskID, sb.Phase)
			return failureInfo(err), err
		}
	}

	m.mu.Lock()
	cid := m.nextCID
	m.nextCID++
	m.mu.Unlock()

	// Host egress plumbing first: without forwarding and a TAP the guest
	// has only the vsock, which reaches the host but never a git remote.
	m.forwardingOnce.Do(func() { m.forwardingErr = m.enableForwarding() })
	if m.forwardingErr != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("enable forwarding: %w: %v", ErrInfra, m.forwardingErr)
		return failureInfo(wrapped), wrapped
	}

	sandboxName := types.SanitizeTaskID(cfg.TaskID)
	netCfg, err := m.subnets.AllocateSpecific(vmm.DeterministicTAPName(sandboxName))
	if err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("allocate subnet: %w: %v", ErrInfra, err)
		return failureInfo(wrapped), wrapped
	}
	if err := m.createTAP(netCfg); err != nil {
		m.subnets.Release(netCfg.TAPName)
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("create tap: %w: %v", ErrInfra, err)
		return failureInfo(wrapped), wrapped
	}
	releaseNet := func() {
		m.deleteTAP(netCfg.TAPName)
		m.subnets.Release(netCfg.TAPName)
	}

	machine, err := m.newMachine(vmm.Config{
		TaskID:         sandboxName,
		DataDir:        m.opts.DataDir,
		FirecrackerBin: m.opts.FirecrackerBin,
		KernelPath:     m.opts.KernelPath,
		RootfsPath:     m.opts.RootfsPath,
		CPUs:           m.opts.CPUs,
		MemoryMB:       m.opts.MemoryMB,
		GuestCID:       cid,
		Network:        netCfg,
	})
	if err != nil {
		releaseNet()
		m.tracker.fail(cfg.TaskID)
		wrapped := fmt.Errorf("%w: %v", ErrInfra, err)
		return failureInfo(wrapped), wrapped
	}

	if err := m.tracker.transition(cfg.TaskID, types.PhaseBooting); err != nil {
		releaseNet()
		return failureInfo(err), err
	}

	bootCtx, cancel := context.WithTimeout(ctx, m.opts.BootDeadline)
	defer cancel()

	if err := machine.Boot(bootCtx); err != nil {
		releaseNet()
		m.tracker.fail(cfg.TaskID)
		wrapped := classifyBootErr(bootCtx, err)
		return failureInfo(wrapped), wrapped
	}

	endpoint := machine.SidecarEndpoint()
	client := sidecarclient.New(sidecarclient.Options{
		HTTPClient: machine.HTTPClient(),
		Resolver: func(context.Context, string) (string, error) {
			return endpoint, nil
		},
	})

	m.mu.Lock()
	m.machines[cfg.TaskID] = machine
	m.networks[cfg.TaskID] = netCfg
	m.clients[cfg.TaskID] = client
	m.mu.Unlock()
	m.tracker.update(cfg.TaskID, func(sb *types.Sandbox) { sb.Endpoint = endpoint })

	if err := m.waitForSidecar(bootCtx, client, cfg.TaskID); err != nil {
		m.tracker.fail(cfg.TaskID)
		wrapped := classifyBootErr(bootCtx, err)
		return failureInfo(wrapped), wrapped
	}

	clone, err := m.setupRepository(ctx, client, cfg)
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
	return &types.WorkspaceInfo{
		Success:       true,
		WorkspacePath: remoteWorkspace,
		CloneResult:   clone,
	}, nil
}

func (m *VMManager) waitForSidecar(ctx context.Context, client *sidecarclient.Client, taskID string) error {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, healthPollTimeout)
		resp, err := client.Health(probeCtx, taskID)
		cancel()
		if err == nil && resp.Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("in-VM sidecar never became healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *VMManager) setupRepository(ctx context.Context, client *sidecarclient.Client, cfg types.TaskConfig) (*types.CloneResult, error) {
	clone := &types.CloneResult{Path: remoteWorkspace}

	repoURL := cfg.RepoURL
	if m.opts.Tokens != nil {
		token, err := m.opts.Tokens(ctx)
		if err != nil {
			return clone, fmt.Errorf("%w: %v", ErrAuthMissing, err)
		}
		repoURL = gitops.InjectToken(repoURL, token)
	}

	if err := client.Do(ctx, cfg.TaskID, http.MethodPost, "/api/git/clone",
		map[string]string{"repoUrl": repoURL, "branch": cfg.BaseBranch}, nil); err != nil {
		clone.Error = err.Error()
		return clone, err
	}
	if err := client.Do(ctx, cfg.TaskID, http.MethodPost, "/api/git/config",
		map[string]string{"name": defaultGitName, "email": defaultGitEmail}, nil); err != nil {
		return clone, err
	}
	if err := client.Do(ctx, cfg.TaskID, http.MethodPost, "/api/git/branch",
		map[string]string{"branch": cfg.ShadowBranch}, nil); err != nil {
		return clone, err
	}

	clone.Success = true
	clone.Branch = cfg.ShadowBranch
	return clone, nil
}

// GetWorkspaceStatus snapshots VM liveness. Never fails.
func (m *VMManager) GetWorkspaceStatus(ctx context.Context, taskID string) *types.WorkspaceStatus {
	status := &types.WorkspaceStatus{Path: remoteWorkspace}

	machine, ok := m.Machine(taskID)
	if !ok {
		if sb, tracked := m.tracker.get(taskID); tracked && sb.Phase == types.PhaseFailed {
			status.Exists = true
			status.Error = "sandbox failed"
		}
		return status
	}
	status.Exists = true
	if !machine.Running() {
		status.Error = "vmm process not running"
		return status
	}
	if sb, ok := m.tracker.get(taskID); ok {
		status.IsReady = sb.Phase == types.PhaseReady
	}
	return status
}

// CleanupWorkspace kills the VM and removes its state. Idempotent.
func (m *VMManager) CleanupWorkspace(ctx context.Context, taskID string) error {
	m.tracker.drain(taskID)

	m.mu.Lock()
	machine := m.machines[taskID]
	netCfg := m.networks[taskID]
	client := m.clients[taskID]
	delete(m.machines, taskID)
	delete(m.networks, taskID)
	delete(m.clients, taskID)
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if machine != nil {
		if err := machine.Shutdown(); err != nil {
			return fmt.Errorf("%w: %v", ErrInfra, err)
		}
	}
	if netCfg != nil {
		m.deleteTAP(netCfg.TAPName)
		m.subnets.Release(netCfg.TAPName)
	}
	m.tracker.remove(taskID)
	log.Printf("workspace: cleaned up microVM for task %s", taskID)
	return nil
}

// HealthCheck probes the VMM process and the in-VM sidecar.
func (m *VMManager) HealthCheck(ctx context.Context, taskID string) (bool, string) {
	machine, ok := m.Machine(taskID)
	if !ok {
		return false, "no machine for task"
	}
	if !machine.Running() {
		return false, "vmm process not running"
	}
	client, err := m.RPCFor(taskID)
	if err != nil {
		return false, err.Error()
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthPollTimeout)
	defer cancel()
	resp, err := client.Health(probeCtx, taskID)
	if err != nil {
		return false, fmt.Sprintf("in-VM sidecar unreachable: %v", err)
	}
	if !resp.Healthy {
		return false, "in-VM sidecar reports unhealthy"
	}
	return true, "ok"
}
