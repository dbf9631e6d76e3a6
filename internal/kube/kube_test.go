package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestBuildPod(t *testing.T) {
	pod := BuildPod(PodSpec{
		TaskID:      "Task_42",
		Namespace:   "shadow-agents",
		Image:       "shadow-sidecar:latest",
		SidecarPort: 8080,
	})

	if pod.Name != "shadow-agent-task-42" {
		t.Errorf("pod name %s", pod.Name)
	}
	if pod.Labels[labelTask] != "task-42" {
		t.Errorf("task label %s", pod.Labels[labelTask])
	}
	if len(pod.Spec.Containers) != 1 || pod.Spec.Containers[0].Name != "sidecar" {
		t.Fatalf("containers: %+v", pod.Spec.Containers)
	}
	if pod.Spec.Containers[0].ReadinessProbe == nil {
		t.Error("missing readiness probe")
	}

	// Name must be stable across calls.
	again := BuildPod(PodSpec{TaskID: "Task_42", Namespace: "shadow-agents"})
	if again.Name != pod.Name {
		t.Errorf("name not stable: %s vs %s", again.Name, pod.Name)
	}
}

func TestCreateSandbox_Idempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	spec := PodSpec{TaskID: "t1", Namespace: "ns", Image: "img"}

	if _, err := CreateSandbox(context.Background(), client, spec); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := CreateSandbox(context.Background(), client, spec); err != nil {
		t.Fatalf("second create should reuse: %v", err)
	}
}

func TestDeleteSandbox_MissingIsFine(t *testing.T) {
	client := fake.NewSimpleClientset()
	if err := DeleteSandbox(context.Background(), client, "ghost", "ns"); err != nil {
		t.Fatalf("delete of missing sandbox: %v", err)
	}
}

func readyPod(taskID, ns, ip string) *corev1.Pod {
	pod := BuildPod(PodSpec{TaskID: taskID, Namespace: ns, Image: "img"})
	pod.Status.Phase = corev1.PodRunning
	pod.Status.PodIP = ip
	pod.Status.Conditions = []corev1.PodCondition{
		{Type: corev1.PodReady, Status: corev1.ConditionTrue},
	}
	return pod
}

func TestDiscoverEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("no pod", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		_, err := DiscoverEndpoint(ctx, client, "t1", "ns", 8080)
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("expected ErrNotRunning, got %v", err)
		}
	})

	t.Run("pending pod", func(t *testing.T) {
		pod := BuildPod(PodSpec{TaskID: "t1", Namespace: "ns", Image: "img"})
		pod.Status.Phase = corev1.PodPending
		client := fake.NewSimpleClientset(pod)
		_, err := DiscoverEndpoint(ctx, client, "t1", "ns", 8080)
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("expected ErrNotRunning, got %v", err)
		}
	})

	t.Run("running pod", func(t *testing.T) {
		client := fake.NewSimpleClientset(readyPod("t1", "ns", "10.0.0.9"))
		url, err := DiscoverEndpoint(ctx, client, "t1", "ns", 8080)
		if err != nil {
			t.Fatalf("discover: %v", err)
		}
		if url != "http://10.0.0.9:8080" {
			t.Errorf("url %s", url)
		}
	})
}

func TestPodIsReady(t *testing.T) {
	if PodIsReady(nil) {
		t.Error("nil pod ready")
	}
	pod := readyPod("t1", "ns", "1.2.3.4")
	if !PodIsReady(pod) {
		t.Error("ready pod not ready")
	}
	pod.Status.Conditions[0].Status = corev1.ConditionFalse
	if PodIsReady(pod) {
		t.Error("unready condition ignored")
	}
}

func TestWaitForPodReady_FailsOnFailedPhase(t *testing.T) {
	pod := BuildPod(PodSpec{TaskID: "t1", Namespace: "ns", Image: "img"})
	pod.Status.Phase = corev1.PodFailed
	client := fake.NewSimpleClientset(pod)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := WaitForPodReady(ctx, client, "t1", "ns"); err == nil {
		t.Fatal("expected failure for Failed pod")
	}
}

func TestWaitForPodReady_ReturnsReadyPod(t *testing.T) {
	client := fake.NewSimpleClientset(readyPod("t1", "ns", "10.0.0.1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pod, err := WaitForPodReady(ctx, client, "t1", "ns")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if pod.Status.PodIP != "10.0.0.1" {
		t.Errorf("pod: %+v", pod.Status)
	}
}

func TestInspectNodes(t *testing.T) {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "n1",
			Labels: map[string]string{kvmLabel: "true"},
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
				{Type: corev1.NodeDiskPressure, Status: corev1.ConditionTrue},
			},
		},
	}
	client := fake.NewSimpleClientset(node)

	reports, err := InspectNodes(context.Background(), client)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports: %+v", reports)
	}
	r := reports[0]
	if !r.Ready || !r.DiskPressure || !r.HasKVM || r.MemoryPressure {
		t.Errorf("report: %+v", r)
	}
}
