package health

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/nickmerrett/shadow/internal/kube"
)

// Quota thresholds: warn at 75% utilization, critical at 90%.
const (
	quotaWarnFraction     = 0.75
	quotaCriticalFraction = 0.90
)

// InfraReport aggregates infrastructure health.
type InfraReport struct {
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons,omitempty"`
}

// InfraInspector grades the infrastructure below the fleet.
type InfraInspector interface {
	Inspect(ctx context.Context) InfraReport
}

// KubeInfraOptions configures the cluster inspector.
type KubeInfraOptions struct {
	Client           kubernetes.Interface
	Namespace        string
	RuntimeClassName string // checked when the VM backend is in use
	RequireKVM       bool   // VM backend needs KVM-labelled nodes
	VMImageRegistry  string // empty registry is a config gap for VM mode
	VMBackend        bool
}

// KubeInfra inspects nodes, runtime class, namespace quotas and
// persistent volumes.
type KubeInfra struct {
	opts KubeInfraOptions
}

// NewKubeInfra creates the inspector.
func NewKubeInfra(opts KubeInfraOptions) *KubeInfra {
	return &KubeInfra{opts: opts}
}

// Inspect grades the cluster. Failures to query are themselves critical:
// a backend API we cannot reach cannot host sandboxes.
func (k *KubeInfra) Inspect(ctx context.Context) InfraReport {
	report := InfraReport{Level: Healthy}
	raise := func(level Level, reason string) {
		if level > report.Level {
			report.Level = level
		}
		report.Reasons = append(report.Reasons, reason)
	}

	nodes, err := kube.InspectNodes(ctx, k.opts.Client)
	if err != nil {
		raise(Critical, fmt.Sprintf("node inspection failed: %v", err))
		return report
	}
	readyNodes, kvmNodes := 0, 0
	for _, n := range nodes {
		if n.Ready {
			readyNodes++
		} else {
			raise(Warning, "node "+n.Name+" not ready")
		}
		if n.DiskPressure {
			raise(Warning, "node "+n.Name+" under disk pressure")
		}
		if n.MemoryPressure {
			raise(Warning, "node "+n.Name+" under memory pressure")
		}
		if n.PIDPressure {
			raise(Warning, "node "+n.Name+" under PID pressure")
		}
		if n.HasKVM {
			kvmNodes++
		}
	}
	if readyNodes == 0 {
		raise(Critical, "no ready nodes")
	}
	if k.opts.VMBackend && k.opts.RequireKVM && kvmNodes == 0 {
		raise(Critical, "VM backend enabled but no KVM-capable nodes")
	}

	if k.opts.VMBackend {
		if ok, _ := kube.RuntimeClassExists(ctx, k.opts.Client, k.opts.RuntimeClassName); !ok {
			raise(Critical, "runtime class "+k.opts.RuntimeClassName+" missing")
		}
		if k.opts.VMImageRegistry == "" {
			raise(Warning, "VM image registry not configured")
		}
	}

	quotas, err := kube.InspectQuotas(ctx, k.opts.Client, k.opts.Namespace)
	if err != nil {
		raise(Warning, fmt.Sprintf("quota inspection failed: %v", err))
	}
	for _, q := range quotas {
		switch {
		case q.Fraction >= quotaCriticalFraction:
			raise(Critical, fmt.Sprintf("quota %s/%s at %.0f%%", q.Quota, q.Resource, q.Fraction*100))
		case q.Fraction >= quotaWarnFraction:
			raise(Warning, fmt.Sprintf("quota %s/%s at %.0f%%", q.Quota, q.Resource, q.Fraction*100))
		}
	}

	volumes, err := kube.InspectVolumes(ctx, k.opts.Client)
	if err != nil {
		raise(Warning, fmt.Sprintf("volume inspection failed: %v", err))
	}
	for _, v := range volumes {
		if v.Phase == corev1.VolumeFailed {
			raise(Critical, "persistent volume "+v.Name+" failed")
		}
	}

	return report
}
