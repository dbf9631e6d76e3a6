package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/nickmerrett/shadow/pkg/types"
)

// makeOriginRepo builds a local repository usable as a clone source.
func makeOriginRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# origin\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func testTaskConfig(taskID, origin string) types.TaskConfig {
	return types.TaskConfig{
		TaskID:       taskID,
		RepoURL:      origin,
		RepoFullName: "test/origin",
		BaseBranch:   "main",
		ShadowBranch: "shadow/" + taskID,
		UserID:       "u1",
	}
}

func newLocalManager(t *testing.T) *LocalManager {
	t.Helper()
	t.Setenv("HOME", t.TempDir()) // keep safe.directory writes out of the real global config
	return NewLocalManager(t.TempDir(), nil, 0)
}

func TestLocalManager_PrepareWorkspace(t *testing.T) {
	origin := makeOriginRepo(t)
	m := newLocalManager(t)
	ctx := context.Background()

	info, err := m.PrepareWorkspace(ctx, testTaskConfig("t1", origin))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !info.Success {
		t.Fatalf("info: %+v", info)
	}
	if info.CloneResult == nil || !info.CloneResult.Success {
		t.Fatalf("clone result: %+v", info.CloneResult)
	}
	if info.CloneResult.Branch != "shadow/t1" {
		t.Errorf("branch %s", info.CloneResult.Branch)
	}
	if _, err := os.Stat(filepath.Join(info.WorkspacePath, "README.md")); err != nil {
		t.Errorf("clone missing README: %v", err)
	}

	sb, ok := m.Sandbox("t1")
	if !ok || sb.Phase != types.PhaseReady {
		t.Errorf("sandbox: %+v", sb)
	}

	// Re-preparing a Ready sandbox reuses it.
	again, err := m.PrepareWorkspace(ctx, testTaskConfig("t1", origin))
	if err != nil || !again.Success {
		t.Fatalf("re-prepare: %v %+v", err, again)
	}

	status := m.GetWorkspaceStatus(ctx, "t1")
	if !status.Exists || !status.IsReady || status.SizeBytes == nil || *status.SizeBytes == 0 {
		t.Errorf("status: %+v", status)
	}

	healthy, msg := m.HealthCheck(ctx, "t1")
	if !healthy {
		t.Errorf("health: %s", msg)
	}
}

func TestLocalManager_CloneFailure(t *testing.T) {
	m := newLocalManager(t)
	cfg := testTaskConfig("t2", filepath.Join(t.TempDir(), "does-not-exist"))

	info, err := m.PrepareWorkspace(context.Background(), cfg)
	if err == nil || info.Success {
		t.Fatalf("expected clone failure, got %+v", info)
	}
	if info.FailureReason != "CloneFailed" {
		t.Errorf("failure reason %s", info.FailureReason)
	}

	// Failed sandbox reports exists, not ready, and stays cleanable.
	status := m.GetWorkspaceStatus(context.Background(), "t2")
	if !status.Exists || status.IsReady {
		t.Errorf("failed status: %+v", status)
	}
	if err := m.CleanupWorkspace(context.Background(), "t2"); err != nil {
		t.Errorf("cleanup of failed sandbox: %v", err)
	}
}

func TestLocalManager_FailedThenPrepareRecreates(t *testing.T) {
	m := newLocalManager(t)
	badCfg := testTaskConfig("t3", filepath.Join(t.TempDir(), "nope"))
	if _, err := m.PrepareWorkspace(context.Background(), badCfg); err == nil {
		t.Fatal("expected failure")
	}

	origin := makeOriginRepo(t)
	info, err := m.PrepareWorkspace(context.Background(), testTaskConfig("t3", origin))
	if err != nil || !info.Success {
		t.Fatalf("recreate after Failed: %v %+v", err, info)
	}
}

func TestLocalManager_CleanupIdempotent(t *testing.T) {
	origin := makeOriginRepo(t)
	m := newLocalManager(t)
	ctx := context.Background()

	if _, err := m.PrepareWorkspace(ctx, testTaskConfig("t4", origin)); err != nil {
		t.Fatal(err)
	}
	if err := m.CleanupWorkspace(ctx, "t4"); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := m.CleanupWorkspace(ctx, "t4"); err != nil {
		t.Fatalf("second cleanup must succeed: %v", err)
	}
	if status := m.GetWorkspaceStatus(ctx, "t4"); status.Exists {
		t.Errorf("workspace still exists: %+v", status)
	}
}

func TestLocalManager_Capacity(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	origin := makeOriginRepo(t)
	m := NewLocalManager(t.TempDir(), nil, 1)
	ctx := context.Background()

	if _, err := m.PrepareWorkspace(ctx, testTaskConfig("t5", origin)); err != nil {
		t.Fatal(err)
	}
	_, err := m.PrepareWorkspace(ctx, testTaskConfig("t6", origin))
	if err == nil {
		t.Fatal("expected capacity error")
	}
}

func TestSanitization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Task_42", "task-42"},
		{"simple", "simple"},
		{"UPPER_case_ID", "upper-case-id"},
		{"weird!chars#here", "weirdcharshere"},
	}
	for _, tt := range tests {
		if got := types.SanitizeTaskID(tt.in); got != tt.want {
			t.Errorf("SanitizeTaskID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	// Stable across calls.
	if types.SandboxName("A_b") != types.SandboxName("A_b") {
		t.Error("sandbox name unstable")
	}
}
