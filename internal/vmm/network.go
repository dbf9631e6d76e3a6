package vmm

import (
	"fmt"
	"hash/fnv"
	"os/exec"
	"strings"
	"sync"
)

// NetworkConfig holds the host-side networking state for one microVM: a
// dedicated /30 with the host on .1 and the guest on .2, bridged through
// a TAP device and masqueraded for egress.
type NetworkConfig struct {
	TAPName string // e.g. "shadow-tap0"
	HostIP  string // e.g. "10.0.0.1"
	GuestIP string // e.g. "10.0.0.2"
	Mask    string // "255.255.255.252"
	CIDR    int    // 30
}

// tapPoolSize is 10.0.0.0/8 split into /30 blocks: 2^24 / 4.
const tapPoolSize = 4_194_304

// DeterministicTAPBlock maps a sandbox name to its TAP block index. The
// same sandbox lands on the same block on every host, so no coordination
// is needed across restarts.
func DeterministicTAPBlock(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32() % tapPoolSize
}

// DeterministicTAPName is the TAP device name for a sandbox.
func DeterministicTAPName(name string) string {
	return fmt.Sprintf("shadow-tap%d", DeterministicTAPBlock(name))
}

// GenerateMAC derives a stable guest MAC from the sandbox name.
func GenerateMAC(name string) string {
	var b4, b5 byte
	if len(name) > 3 {
		b4 = name[3]
	}
	if len(name) > 0 {
		b5 = name[len(name)-1]
	}
	return fmt.Sprintf("AA:FC:00:00:%02x:%02x", b4, b5)
}

// SubnetAllocator hands out /30 subnets from the 10.0.0.0/8 pool.
type SubnetAllocator struct {
	mu   sync.Mutex
	next uint32
	used map[uint32]bool
}

// NewSubnetAllocator creates an empty allocator.
func NewSubnetAllocator() *SubnetAllocator {
	return &SubnetAllocator{used: make(map[uint32]bool)}
}

// Allocate reserves the next free /30.
func (a *SubnetAllocator) Allocate() (*NetworkConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	block := a.next
	for a.used[block] {
		block++
		if block >= tapPoolSize {
			return nil, fmt.Errorf("subnet pool exhausted")
		}
	}
	a.used[block] = true
	a.next = block + 1
	return blockConfig(block), nil
}

// AllocateSpecific reserves the named TAP's block, so a sandbox always
// gets its deterministic subnet back.
func (a *SubnetAllocator) AllocateSpecific(tapName string) (*NetworkConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var block uint32
	if _, err := fmt.Sscanf(tapName, "shadow-tap%d", &block); err != nil {
		return nil, fmt.Errorf("parse tap name %q: %w", tapName, err)
	}
	if a.used[block] {
		return nil, fmt.Errorf("tap %s already in use", tapName)
	}
	a.used[block] = true
	return blockConfig(block), nil
}

// Release returns a TAP's block to the pool.
func (a *SubnetAllocator) Release(tapName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var block uint32
	if _, err := fmt.Sscanf(tapName, "shadow-tap%d", &block); err != nil {
		return
	}
	delete(a.used, block)
}

func blockConfig(block uint32) *NetworkConfig {
	hostIP, guestIP := blockToIPs(block)
	return &NetworkConfig{
		TAPName: fmt.Sprintf("shadow-tap%d", block),
		HostIP:  hostIP,
		GuestIP: guestIP,
		Mask:    "255.255.255.252",
		CIDR:    30,
	}
}

// blockToIPs converts a /30 block index to host and guest IPs.
// Layout per block: .0 network, .1 host, .2 guest, .3 broadcast.
func blockToIPs(block uint32) (hostIP, guestIP string) {
	base := block * 4
	b1 := byte(base >> 16)
	b2 := byte(base >> 8)
	b3 := byte(base)
	hostIP = fmt.Sprintf("10.%d.%d.%d", b1, b2, b3+1)
	guestIP = fmt.Sprintf("10.%d.%d.%d", b1, b2, b3+2)
	return
}

// CreateTAP creates the TAP device, assigns the host IP and brings it up.
func CreateTAP(cfg *NetworkConfig) error {
	if err := run("ip", "tuntap", "add", "dev", cfg.TAPName, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap %s: %w", cfg.TAPName, err)
	}
	addr := fmt.Sprintf("%s/%d", cfg.HostIP, cfg.CIDR)
	if err := run("ip", "addr", "add", addr, "dev", cfg.TAPName); err != nil {
		DeleteTAP(cfg.TAPName)
		return fmt.Errorf("assign ip to %s: %w", cfg.TAPName, err)
	}
	if err := run("ip", "link", "set", cfg.TAPName, "up"); err != nil {
		DeleteTAP(cfg.TAPName)
		return fmt.Errorf("bring up %s: %w", cfg.TAPName, err)
	}
	return nil
}

// DeleteTAP removes the TAP device. Best-effort.
func DeleteTAP(tapName string) {
	_ = run("ip", "link", "del", tapName)
}

// EnableForwarding turns on IPv4 forwarding and masquerades the VM pool
// out the default interface, giving guests egress (git remotes, package
// registries). Call once before the first TAP is created.
func EnableForwarding() error {
	if err := run("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}

	// Idempotent: only add the masquerade rule once.
	out, _ := exec.Command("iptables", "-t", "nat", "-S", "POSTROUTING").CombinedOutput()
	if strings.Contains(string(out), "10.0.0.0/8") {
		return nil
	}
	if iface := detectDefaultInterface(); iface != "" {
		return run("iptables", "-t", "nat", "-A", "POSTROUTING",
			"-s", "10.0.0.0/8", "-o", iface, "-j", "MASQUERADE")
	}
	// Fallback: masquerade everywhere except the TAPs themselves.
	return run("iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", "10.0.0.0/8", "!", "-o", "shadow-tap+", "-j", "MASQUERADE")
}

// detectDefaultInterface parses "ip route show default" for the dev name.
func detectDefaultInterface() string {
	out, err := exec.Command("ip", "route", "show", "default").CombinedOutput()
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// run executes a command and folds stderr into the error.
func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
