package vmm

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	socketWait      = 10 * time.Second
	sidecarVsockPort = 8080
)

// Config sizes and locates one microVM.
type Config struct {
	TaskID         string
	DataDir        string // per-task state lives under DataDir/<sandbox name>
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string // sidecar-embedded rootfs image
	CPUs           int
	MemoryMB       int
	GuestCID       uint32
	// Network is the VM's TAP-backed /30. The caller creates the TAP
	// before Boot; nil boots the guest with no NIC (vsock only).
	Network *NetworkConfig
}

// Machine is one Firecracker process and its sockets.
type Machine struct {
	cfg       Config
	dir       string
	apiSocket string
	vsockPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	api     *apiClient
	started bool
}

// NewMachine prepares (but does not boot) a machine.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.TaskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if cfg.FirecrackerBin == "" {
		cfg.FirecrackerBin = "firecracker"
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 2
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.GuestCID < 3 {
		cfg.GuestCID = 3 // 0-2 are reserved
	}
	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return nil, fmt.Errorf("kernel not found at %s: %w", cfg.KernelPath, err)
	}
	if _, err := os.Stat(cfg.RootfsPath); err != nil {
		return nil, fmt.Errorf("rootfs not found at %s: %w", cfg.RootfsPath, err)
	}

	dir := filepath.Join(cfg.DataDir, "shadow-agent-"+cfg.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vm dir: %w", err)
	}

	return &Machine{
		cfg:       cfg,
		dir:       dir,
		apiSocket: filepath.Join(dir, "firecracker.sock"),
		vsockPath: filepath.Join(dir, "vsock.sock"),
	}, nil
}

// VsockPath is the host-side UDS for guest port connections.
func (m *Machine) VsockPath() string { return m.vsockPath }

// SidecarEndpoint returns the base URL used with HTTPClient. The host is
// nominal: the client's dialer tunnels every connection through the vsock.
func (m *Machine) SidecarEndpoint() string {
	return "http://shadow-vm-" + m.cfg.TaskID
}

type bootStep struct {
	name string
	fn   func() error
}

// bootArgs builds the kernel command line. With a NIC configured, the ip=
// clause hands the guest its static /30 addressing so the in-VM init can
// bring eth0 up without DHCP.
func (m *Machine) bootArgs() string {
	if m.cfg.Network == nil {
		return defaultBootArgs
	}
	n := m.cfg.Network
	return fmt.Sprintf("%s ip=%s::%s:%s::eth0:off", defaultBootArgs, n.GuestIP, n.HostIP, n.Mask)
}

// Boot starts the VMM, configures it over the API socket, and boots the
// guest. A failed boot tears the process down.
func (m *Machine) Boot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	// Stale sockets from a crashed VMM block the new process.
	os.Remove(m.apiSocket)
	os.Remove(m.vsockPath)

	cmd := exec.Command(m.cfg.FirecrackerBin, "--api-sock", m.apiSocket)
	cmd.Dir = m.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start firecracker: %w", err)
	}
	m.cmd = cmd

	api := newAPIClient(m.apiSocket)
	if err := api.waitForSocket(socketWait); err != nil {
		m.killLocked()
		return err
	}

	steps := []bootStep{
		{"boot-source", func() error { return api.putBootSource(m.cfg.KernelPath, m.bootArgs()) }},
		{"rootfs", func() error { return api.putDrive("rootfs", m.cfg.RootfsPath, true, false) }},
		{"machine-config", func() error { return api.putMachineConfig(m.cfg.CPUs, m.cfg.MemoryMB) }},
	}
	if net := m.cfg.Network; net != nil {
		steps = append(steps, bootStep{"network-interface", func() error {
			return api.putNetworkInterface("eth0", GenerateMAC(m.cfg.TaskID), net.TAPName)
		}})
	}
	steps = append(steps,
		bootStep{"vsock", func() error { return api.putVsock(m.cfg.GuestCID, m.vsockPath) }},
		bootStep{"start", api.startInstance},
	)
	for _, step := range steps {
		if ctx.Err() != nil {
			m.killLocked()
			return ctx.Err()
		}
		if err := step.fn(); err != nil {
			m.killLocked()
			return fmt.Errorf("configure %s: %w", step.name, err)
		}
	}

	m.api = api
	m.started = true
	log.Printf("vmm: booted microVM for task %s (pid %d)", m.cfg.TaskID, cmd.Process.Pid)
	return nil
}

// Running reports whether the VMM process is alive.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.cmd == nil || m.cmd.Process == nil {
		return false
	}
	return m.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Shutdown kills the VMM process group and removes per-task state.
func (m *Machine) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killLocked()
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("remove vm dir: %w", err)
	}
	return nil
}

func (m *Machine) killLocked() {
	if m.cmd != nil && m.cmd.Process != nil {
		unix.Kill(-m.cmd.Process.Pid, unix.SIGKILL)
		go m.cmd.Wait()
	}
	m.cmd = nil
	m.started = false
}
