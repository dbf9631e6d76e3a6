package workspace

import (
	"context"
	"errors"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/nickmerrett/shadow/pkg/types"
)

func newPodManager(t *testing.T, bootDeadline time.Duration) *PodManager {
	t.Helper()
	m := NewPodManager(PodManagerOptions{
		Client:       fake.NewSimpleClientset(),
		Namespace:    "shadow-agents",
		SidecarImage: "shadow-sidecar:latest",
		SidecarPort:  8080,
		BootDeadline: bootDeadline,
	})
	t.Cleanup(func() { m.RPC().Close() })
	return m
}

func TestPodManager_Introspection(t *testing.T) {
	m := newPodManager(t, time.Second)
	if !m.IsRemote() {
		t.Error("pod manager must be remote")
	}
	if m.GetWorkspacePath("any") != "/workspace" {
		t.Errorf("workspace path %s", m.GetWorkspacePath("any"))
	}
}

func TestPodManager_StatusForUnknownTask(t *testing.T) {
	m := newPodManager(t, time.Second)
	status := m.GetWorkspaceStatus(context.Background(), "ghost")
	if status.Exists || status.IsReady {
		t.Errorf("unknown task status: %+v", status)
	}
}

func TestPodManager_CleanupIdempotent(t *testing.T) {
	m := newPodManager(t, time.Second)
	ctx := context.Background()
	if err := m.CleanupWorkspace(ctx, "ghost"); err != nil {
		t.Fatalf("cleanup of missing sandbox: %v", err)
	}
	if err := m.CleanupWorkspace(ctx, "ghost"); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

// A pod that never reaches Ready exhausts the boot deadline and the
// sandbox lands in Failed — cleanable, not leaked.
func TestPodManager_BootTimeout(t *testing.T) {
	m := newPodManager(t, 3*time.Second)
	ctx := context.Background()

	cfg := types.TaskConfig{
		TaskID:       "boot-timeout",
		RepoURL:      "https://example.com/r.git",
		BaseBranch:   "main",
		ShadowBranch: "shadow/boot-timeout",
	}
	info, err := m.PrepareWorkspace(ctx, cfg)
	if err == nil || info.Success {
		t.Fatalf("expected boot failure, got %+v", info)
	}
	if !errors.Is(err, ErrBootTimeout) {
		t.Errorf("expected ErrBootTimeout, got %v", err)
	}
	if info.FailureReason != "BootTimeout" {
		t.Errorf("failure reason %s", info.FailureReason)
	}

	sb, ok := m.Sandbox("boot-timeout")
	if !ok || sb.Phase != types.PhaseFailed {
		t.Errorf("sandbox after timeout: %+v", sb)
	}

	// Failed still reports exists for status, and cleanup frees it.
	status := m.GetWorkspaceStatus(ctx, "boot-timeout")
	if !status.Exists {
		t.Errorf("failed sandbox should exist: %+v", status)
	}
	if err := m.CleanupWorkspace(ctx, "boot-timeout"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, ok := m.Sandbox("boot-timeout"); ok {
		t.Error("identifier not freed")
	}
}
