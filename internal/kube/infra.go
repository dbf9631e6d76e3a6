package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// kvmLabel marks nodes with /dev/kvm available for microVM runtimes.
const kvmLabel = "shadow.dev/kvm"

// NodeReport grades one node for the health monitor.
type NodeReport struct {
	Name           string
	Ready          bool
	DiskPressure   bool
	MemoryPressure bool
	PIDPressure    bool
	HasKVM         bool
}

// InspectNodes reports readiness and pressure conditions for every node.
func InspectNodes(ctx context.Context, client kubernetes.Interface) ([]NodeReport, error) {
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	reports := make([]NodeReport, 0, len(nodes.Items))
	for _, node := range nodes.Items {
		report := NodeReport{
			Name:   node.Name,
			HasKVM: node.Labels[kvmLabel] == "true",
		}
		for _, cond := range node.Status.Conditions {
			isTrue := cond.Status == corev1.ConditionTrue
			switch cond.Type {
			case corev1.NodeReady:
				report.Ready = isTrue
			case corev1.NodeDiskPressure:
				report.DiskPressure = isTrue
			case corev1.NodeMemoryPressure:
				report.MemoryPressure = isTrue
			case corev1.NodePIDPressure:
				report.PIDPressure = isTrue
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RuntimeClassExists checks the cluster has the named runtime handler.
func RuntimeClassExists(ctx context.Context, client kubernetes.Interface, name string) (bool, error) {
	if name == "" {
		return true, nil
	}
	_, err := client.NodeV1().RuntimeClasses().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// QuotaUsage is one resource's used fraction within a namespace quota.
type QuotaUsage struct {
	Quota    string
	Resource string
	Used     int64
	Hard     int64
	Fraction float64
}

// InspectQuotas reports usage fractions for every quota-limited resource
// in the namespace.
func InspectQuotas(ctx context.Context, client kubernetes.Interface, namespace string) ([]QuotaUsage, error) {
	quotas, err := client.CoreV1().ResourceQuotas(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}

	var usages []QuotaUsage
	for _, q := range quotas.Items {
		for name, hard := range q.Status.Hard {
			used, ok := q.Status.Used[name]
			if !ok {
				continue
			}
			hardVal := hard.Value()
			if hardVal == 0 {
				continue
			}
			usedVal := used.Value()
			usages = append(usages, QuotaUsage{
				Quota:    q.Name,
				Resource: string(name),
				Used:     usedVal,
				Hard:     hardVal,
				Fraction: float64(usedVal) / float64(hardVal),
			})
		}
	}
	return usages, nil
}

// VolumeReport is one persistent volume's phase.
type VolumeReport struct {
	Name  string
	Phase corev1.PersistentVolumePhase
}

// InspectVolumes lists persistent volume phases; Failed phases are the
// health monitor's concern.
func InspectVolumes(ctx context.Context, client kubernetes.Interface) ([]VolumeReport, error) {
	pvs, err := client.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list persistent volumes: %w", err)
	}
	reports := make([]VolumeReport, 0, len(pvs.Items))
	for _, pv := range pvs.Items {
		reports = append(reports, VolumeReport{Name: pv.Name, Phase: pv.Status.Phase})
	}
	return reports, nil
}
