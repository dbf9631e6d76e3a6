package executor

import (
	"context"
	"errors"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/nickmerrett/shadow/internal/config"
	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/internal/sandboxfs"
	"github.com/nickmerrett/shadow/internal/sidecar"
	"github.com/nickmerrett/shadow/internal/sidecarclient"
	"github.com/nickmerrett/shadow/internal/terminal"
	"github.com/nickmerrett/shadow/internal/workspace"
	"github.com/nickmerrett/shadow/pkg/types"
)

func testConfig(mode string) *config.Config {
	return &config.Config{
		AgentMode:      mode,
		Namespace:      "shadow-agents",
		SidecarPort:    8080,
		CommandTimeout: 10 * time.Second,
	}
}

func TestFactory_ResolveMode(t *testing.T) {
	f := NewFactory(testConfig("remote"), nil)

	// Explicit argument wins over configuration.
	mode, err := f.ResolveMode(types.ModeLocal)
	if err != nil || mode != types.ModeLocal {
		t.Errorf("explicit: %v %v", mode, err)
	}

	// Configuration wins over the default.
	mode, err = f.ResolveMode("")
	if err != nil || mode != types.ModeRemote {
		t.Errorf("configured: %v %v", mode, err)
	}

	// Default is local.
	f2 := NewFactory(&config.Config{CommandTimeout: time.Second}, nil)
	mode, err = f2.ResolveMode("")
	if err != nil || mode != types.ModeLocal {
		t.Errorf("default: %v %v", mode, err)
	}

	if _, err := f.ResolveMode("docker"); err == nil {
		t.Error("invalid mode accepted")
	}
}

func TestFactory_RemoteWithoutPodIsNotRunning(t *testing.T) {
	f := NewFactory(testConfig("remote"), nil)
	f.SetKubeClient(fake.NewSimpleClientset())

	_, err := f.CreateToolExecutor(context.Background(), "ghost", "", types.ModeRemote)
	if !errors.Is(err, workspace.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestLocalExecutor_WriteThenRead(t *testing.T) {
	dir := t.TempDir()
	ex, err := NewLocal("t1", dir, nil, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res := ex.WriteFile(ctx, "src/a.txt", "hello\nworld\n", "make file")
	if !res.Success || !res.IsNewFile || res.LinesAdded != 2 {
		t.Fatalf("write: %+v", res)
	}

	read := ex.ReadFile(ctx, "src/a.txt", &types.ReadOptions{Entire: true})
	if !read.Success || read.Content != "hello\nworld\n" {
		t.Errorf("read: %+v", read)
	}

	if ex.IsRemote() {
		t.Error("local executor claims remote")
	}
	if ex.GetTaskID() != "t1" {
		t.Errorf("task id %s", ex.GetTaskID())
	}
	if ex.GetWorkspacePath() == "" {
		t.Error("empty workspace path")
	}
}

func TestLocalExecutor_GrepAfterWrite(t *testing.T) {
	if _, err := exec.LookPath("rg"); err != nil {
		if _, err := exec.LookPath("grep"); err != nil {
			t.Skip("no grep tool")
		}
	}
	ex, err := NewLocal("t1", t.TempDir(), nil, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ex.WriteFile(ctx, "src/a.txt", "hello\nworld\n", "")
	res := ex.GrepSearch(ctx, "world", nil)
	if !res.Success || res.MatchCount != 1 {
		t.Fatalf("grep: %+v", res)
	}
	m := res.DetailedMatches[0]
	if !strings.HasSuffix(m.File, "src/a.txt") || m.LineNumber != 2 || m.Content != "world" {
		t.Errorf("match: %+v", m)
	}
}

// newRemoteFixture runs a real sidecar over httptest and binds a remote
// executor to it.
func newRemoteFixture(t *testing.T) ToolExecutor {
	t.Helper()
	root := t.TempDir()
	ws, err := sandboxfs.NewWorkspace(root)
	if err != nil {
		t.Fatal(err)
	}
	term := terminal.NewBuffer(terminal.Options{FlushInterval: time.Hour})
	t.Cleanup(term.Destroy)

	srv := httptest.NewServer(sidecar.NewServer(sidecar.Options{
		TaskID:    "t1",
		Workspace: ws,
		Runner:    sandboxfs.NewRunner(ws, 10*time.Second),
		Git:       gitops.NewManager(root, nil),
		Terminal:  term,
	}).Handler())
	t.Cleanup(srv.Close)

	rpc := sidecarclient.New(sidecarclient.Options{
		RetryDelay: time.Millisecond,
		Resolver: func(context.Context, string) (string, error) {
			return srv.URL, nil
		},
	})
	t.Cleanup(rpc.Close)
	return NewRemote("t1", "/workspace", rpc)
}

func TestRemoteExecutor_RoundTrip(t *testing.T) {
	ex := newRemoteFixture(t)
	ctx := context.Background()

	write := ex.WriteFile(ctx, "notes.md", "alpha\nbeta\n", "create")
	if !write.Success || !write.IsNewFile || write.LinesAdded != 2 {
		t.Fatalf("write: %+v", write)
	}

	read := ex.ReadFile(ctx, "notes.md", &types.ReadOptions{Entire: true})
	if !read.Success || read.Content != "alpha\nbeta\n" {
		t.Fatalf("read: %+v", read)
	}

	del := ex.DeleteFile(ctx, "notes.md")
	if !del.Success || del.WasAlreadyDeleted {
		t.Fatalf("delete: %+v", del)
	}
	again := ex.DeleteFile(ctx, "notes.md")
	if !again.Success || !again.WasAlreadyDeleted {
		t.Fatalf("second delete: %+v", again)
	}
}

func TestRemoteExecutor_SemanticFailuresRoundTrip(t *testing.T) {
	ex := newRemoteFixture(t)
	ctx := context.Background()

	ex.WriteFile(ctx, "dup.txt", "x\nx\n", "")
	res := ex.SearchReplace(ctx, "dup.txt", "x", "y")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != types.ErrCodeTextNotUnique || res.Occurrences != 2 {
		t.Errorf("structured failure lost in transit: %+v", res)
	}

	missing := ex.ReadFile(ctx, "ghost.txt", nil)
	if missing.Success || missing.Error != types.ErrCodeFileNotFound {
		t.Errorf("missing file: %+v", missing)
	}
}

func TestRemoteExecutor_TraversalBlocked(t *testing.T) {
	ex := newRemoteFixture(t)
	res := ex.ReadFile(context.Background(), "../../etc/passwd", nil)
	if res.Success || res.Error != types.ErrCodeSecurity {
		t.Errorf("traversal: %+v", res)
	}
}

func TestRemoteExecutor_ExecuteCommand(t *testing.T) {
	ex := newRemoteFixture(t)
	res := ex.ExecuteCommand(context.Background(), "echo remote", nil)
	if !res.Success || !strings.Contains(res.Stdout, "remote") {
		t.Fatalf("execute: %+v", res)
	}
}

func TestRemoteExecutor_BreakerSurfacesAsResult(t *testing.T) {
	rpc := sidecarclient.New(sidecarclient.Options{
		MaxRetries:       1,
		RetryDelay:       time.Millisecond,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
		Resolver: func(context.Context, string) (string, error) {
			return "http://127.0.0.1:1", nil // nothing listens here
		},
	})
	defer rpc.Close()
	ex := NewRemote("t1", "/workspace", rpc)

	ctx := context.Background()
	first := ex.ReadFile(ctx, "a.txt", nil)
	if first.Success {
		t.Fatal("expected transport failure")
	}
	second := ex.ReadFile(ctx, "a.txt", nil)
	if second.Success || second.Error != types.ErrCodeCircuitOpen {
		t.Errorf("expected CIRCUIT_BREAKER_OPEN, got %+v", second)
	}
}
