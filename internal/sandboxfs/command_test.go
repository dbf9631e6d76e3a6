package sandboxfs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nickmerrett/shadow/pkg/types"
)

func newTestRunner(t *testing.T) (*Runner, *Workspace) {
	t.Helper()
	ws := newTestWorkspace(t)
	r := NewRunner(ws, 10*time.Second)
	t.Cleanup(r.Shutdown)
	return r, ws
}

func TestExecute_CapturesOutput(t *testing.T) {
	r, _ := newTestRunner(t)

	res := r.Execute(context.Background(), "echo out; echo err >&2", nil)
	if !res.Success {
		t.Fatalf("execute failed: %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr: %q", res.Stderr)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code: %v", res.ExitCode)
	}
}

func TestExecute_NonZeroExitIsSuccess(t *testing.T) {
	r, _ := newTestRunner(t)

	res := r.Execute(context.Background(), "exit 3", nil)
	if !res.Success {
		t.Fatalf("a failing command is still a successful execution: %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("exit code: %v", res.ExitCode)
	}
}

func TestExecute_RunsInWorkspace(t *testing.T) {
	r, ws := newTestRunner(t)

	res := r.Execute(context.Background(), "pwd", nil)
	if strings.TrimSpace(res.Stdout) != ws.Root() {
		t.Errorf("cwd %q, want %q", strings.TrimSpace(res.Stdout), ws.Root())
	}
}

func TestExecute_CwdResolvedAndGuarded(t *testing.T) {
	r, ws := newTestRunner(t)
	writeTestFile(t, ws, "sub/x.txt", "x")

	res := r.Execute(context.Background(), "pwd", &types.CommandOptions{Cwd: "sub"})
	if !strings.HasSuffix(strings.TrimSpace(res.Stdout), "/sub") {
		t.Errorf("cwd: %q", res.Stdout)
	}

	escape := r.Execute(context.Background(), "pwd", &types.CommandOptions{Cwd: "../.."})
	if escape.Success || escape.Error != types.ErrCodeSecurity {
		t.Errorf("cwd escape not blocked: %+v", escape)
	}
}

func TestExecute_TimeoutKills(t *testing.T) {
	r, _ := newTestRunner(t)

	start := time.Now()
	res := r.Execute(context.Background(), "sleep 30", &types.CommandOptions{TimeoutMS: 200})
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !res.TimedOut || res.Error != types.ErrCodeTimeout {
		t.Errorf("expected TimedOut/TIMEOUT, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took too long: %s", elapsed)
	}
}

func TestExecute_EmptyCommand(t *testing.T) {
	r, _ := newTestRunner(t)
	res := r.Execute(context.Background(), "  ", nil)
	if res.Success || res.Error != types.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %+v", res)
	}
}

func TestExecute_BackgroundStartsDetached(t *testing.T) {
	r, _ := newTestRunner(t)

	start := time.Now()
	res := r.Execute(context.Background(), "sleep 5", &types.CommandOptions{IsBackground: true})
	if !res.Success {
		t.Fatalf("background start failed: %+v", res)
	}
	if !res.IsBackground || res.PID == 0 {
		t.Errorf("expected background pid, got %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Error("background start waited on the command")
	}
	if r.ProcessCount() == 0 {
		t.Error("background process not registered")
	}

	r.Shutdown()
	deadline := time.Now().Add(2 * time.Second)
	for r.ProcessCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if r.ProcessCount() != 0 {
		t.Errorf("shutdown left %d processes", r.ProcessCount())
	}
}

func TestStream_EmitsChunksAndExit(t *testing.T) {
	r, _ := newTestRunner(t)

	var mu sync.Mutex
	var events []types.ExecStreamEvent
	r.Stream(context.Background(), "echo hello; echo oops >&2; exit 2", nil, func(ev types.ExecStreamEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	var sawStdout, sawStderr bool
	var exit *types.ExecStreamEvent
	for i, ev := range events {
		switch ev.Type {
		case "stdout":
			if strings.Contains(ev.Data, "hello") {
				sawStdout = true
			}
		case "stderr":
			if strings.Contains(ev.Data, "oops") {
				sawStderr = true
			}
		case "exit":
			exit = &events[i]
		}
	}
	if !sawStdout || !sawStderr {
		t.Errorf("missing output events: %+v", events)
	}
	if exit == nil || exit.ExitCode == nil || *exit.ExitCode != 2 {
		t.Errorf("missing or wrong exit event: %+v", events)
	}
	if events[len(events)-1].Type != "exit" {
		t.Errorf("exit not final: %+v", events)
	}
}
