package kube

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	labelApp    = "app"
	labelAppVal = "shadow-agent"
	labelTask   = "shadow.dev/task"

	readyPollInterval = 2 * time.Second
)

// PodSpec carries everything needed to build one sandbox pod.
type PodSpec struct {
	TaskID           string
	Namespace        string
	Image            string
	SidecarPort      int
	WorkspaceDir     string
	ControlPlaneURL  string
	RuntimeClassName string // set for microVM runtime handlers
	CPULimit         string // e.g. "2"
	MemoryLimitMB    int
	Env              map[string]string
}

// BuildPod constructs the sandbox pod object.
func BuildPod(spec PodSpec) *corev1.Pod {
	name := types.SandboxName(spec.TaskID)
	port := spec.SidecarPort
	if port <= 0 {
		port = 8080
	}
	workspace := spec.WorkspaceDir
	if workspace == "" {
		workspace = "/workspace"
	}

	env := []corev1.EnvVar{
		{Name: "SHADOW_TASK_ID", Value: spec.TaskID},
		{Name: "WORKSPACE_DIR", Value: workspace},
		{Name: "PORT", Value: fmt.Sprintf("%d", port)},
	}
	if spec.ControlPlaneURL != "" {
		env = append(env, corev1.EnvVar{Name: "SHADOW_CONTROL_PLANE_URL", Value: spec.ControlPlaneURL})
	}
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	limits := corev1.ResourceList{}
	if spec.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(spec.CPULimit)
	}
	if spec.MemoryLimitMB > 0 {
		limits[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", spec.MemoryLimitMB))
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: spec.Namespace,
			Labels: map[string]string{
				labelApp:  labelAppVal,
				labelTask: types.SanitizeTaskID(spec.TaskID),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "sidecar",
					Image: spec.Image,
					Ports: []corev1.ContainerPort{{ContainerPort: int32(port)}},
					Env:   env,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: workspace},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/health",
								Port: intstr.FromInt(port),
							},
						},
						InitialDelaySeconds: 2,
						PeriodSeconds:       2,
					},
					Resources: corev1.ResourceRequirements{Limits: limits},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name:         "workspace",
					VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
				},
			},
		},
	}
	if spec.RuntimeClassName != "" {
		pod.Spec.RuntimeClassName = &spec.RuntimeClassName
	}
	return pod
}

// BuildService constructs the per-task service fronting the sidecar port,
// giving the task its stable in-cluster DNS name.
func BuildService(taskID, namespace string, port int) *corev1.Service {
	if port <= 0 {
		port = 8080
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      types.SandboxName(taskID),
			Namespace: namespace,
			Labels:    map[string]string{labelApp: labelAppVal},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{labelTask: types.SanitizeTaskID(taskID)},
			Ports: []corev1.ServicePort{
				{Port: int32(port), TargetPort: intstr.FromInt(port)},
			},
		},
	}
}

// CreateSandbox creates the pod and its service. Creation is idempotent:
// an already-existing object is reused.
func CreateSandbox(ctx context.Context, client kubernetes.Interface, spec PodSpec) (*corev1.Pod, error) {
	pod := BuildPod(spec)
	created, err := client.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		created, err = client.CoreV1().Pods(spec.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("create pod %s: %w", pod.Name, err)
	}

	svc := BuildService(spec.TaskID, spec.Namespace, spec.SidecarPort)
	if _, err := client.CoreV1().Services(spec.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("create service %s: %w", svc.Name, err)
	}
	return created, nil
}

// DeleteSandbox removes the pod and service. Missing objects are fine.
func DeleteSandbox(ctx context.Context, client kubernetes.Interface, taskID, namespace string) error {
	name := types.SandboxName(taskID)
	if err := client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	if err := client.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	return nil
}

// GetPod fetches the task's pod; nil without error when it does not exist.
func GetPod(ctx context.Context, client kubernetes.Interface, taskID, namespace string) (*corev1.Pod, error) {
	pod, err := client.CoreV1().Pods(namespace).Get(ctx, types.SandboxName(taskID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pod: %w", err)
	}
	return pod, nil
}

// PodIsReady reports whether the pod is Running with a true Ready
// condition.
func PodIsReady(pod *corev1.Pod) bool {
	if pod == nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// RestartCount sums container restarts across the pod.
func RestartCount(pod *corev1.Pod) int {
	if pod == nil {
		return 0
	}
	total := 0
	for _, cs := range pod.Status.ContainerStatuses {
		total += int(cs.RestartCount)
	}
	return total
}

// WaitForPodReady polls at 2s intervals until the pod is Running and
// Ready, the pod fails, or ctx expires. The caller bounds the overall
// deadline via ctx.
func WaitForPodReady(ctx context.Context, client kubernetes.Interface, taskID, namespace string) (*corev1.Pod, error) {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		pod, err := GetPod(ctx, client, taskID, namespace)
		if err != nil {
			return nil, err
		}
		if pod != nil {
			if pod.Status.Phase == corev1.PodFailed {
				return pod, fmt.Errorf("pod %s entered Failed phase: %s", pod.Name, pod.Status.Reason)
			}
			if PodIsReady(pod) {
				return pod, nil
			}
		}

		select {
		case <-ctx.Done():
			return pod, fmt.Errorf("waiting for pod %s: %w", types.SandboxName(taskID), ctx.Err())
		case <-ticker.C:
		}
	}
}
