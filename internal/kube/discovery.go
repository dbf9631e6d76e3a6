package kube

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrNotRunning means no running pod (or pod IP) exists for the task.
// Construction of a remote executor fails with this; it is never silently
// downgraded to local.
var ErrNotRunning = errors.New("sandbox not running")

// DiscoverEndpoint resolves the task's sidecar base URL from the running
// pod's IP. Falls back to ErrNotRunning when the pod is absent, not
// Running, or has no IP yet.
func DiscoverEndpoint(ctx context.Context, client kubernetes.Interface, taskID, namespace string, port int) (string, error) {
	pod, err := GetPod(ctx, client, taskID, namespace)
	if err != nil {
		return "", err
	}
	if pod == nil {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotRunning)
	}
	if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
		return "", fmt.Errorf("task %s pod %s in phase %s: %w", taskID, pod.Name, pod.Status.Phase, ErrNotRunning)
	}
	if port <= 0 {
		port = 8080
	}
	return fmt.Sprintf("http://%s:%d", pod.Status.PodIP, port), nil
}
