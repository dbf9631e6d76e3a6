package sandboxfs

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nickmerrett/shadow/pkg/types"
)

const defaultCommandTimeout = 30 * time.Second

// Runner executes shell commands inside the workspace and tracks spawned
// processes so shutdown can terminate children.
type Runner struct {
	ws             *Workspace
	defaultTimeout time.Duration

	mu        sync.Mutex
	processes map[int]*exec.Cmd
}

// NewRunner creates a runner for the workspace.
func NewRunner(ws *Workspace, defaultTimeout time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultCommandTimeout
	}
	return &Runner{
		ws:             ws,
		defaultTimeout: defaultTimeout,
		processes:      make(map[int]*exec.Cmd),
	}
}

// baseEnv is the process environment with HOME moved into the workspace so
// tool caches land on sandbox storage.
func (r *Runner) baseEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "HOME=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, "HOME="+r.ws.Root())
}

// newCommand builds a shell command rooted in the workspace with its own
// process group, so the whole tree can be killed at once.
func (r *Runner) newCommand(ctx context.Context, command, cwd string) (*exec.Cmd, error) {
	dir := r.ws.Root()
	if cwd != "" {
		abs, err := r.ws.ResolvePath(cwd)
		if err != nil {
			return nil, err
		}
		dir = abs
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = r.baseEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// Execute runs a command. Foreground: capture stdout/stderr, enforce the
// timeout with a SIGKILL of the process group, report the exit code as a
// result (a failing command is a successful execution). Background: start
// detached and return immediately; success means started.
func (r *Runner) Execute(ctx context.Context, command string, opts *types.CommandOptions) *types.CommandResult {
	if strings.TrimSpace(command) == "" {
		return &types.CommandResult{Success: false, Error: types.ErrCodeValidation, Message: "command must not be empty"}
	}
	if opts == nil {
		opts = &types.CommandOptions{}
	}
	if opts.IsBackground {
		return r.executeBackground(command, opts)
	}
	return r.executeForeground(ctx, command, opts)
}

func (r *Runner) executeForeground(ctx context.Context, command string, opts *types.CommandOptions) *types.CommandResult {
	timeout := r.defaultTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := r.newCommand(ctx, command, opts.Cwd)
	if err != nil {
		return &types.CommandResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Command: command}
	}
	// Kill the whole group, not just the shell.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &types.CommandResult{Success: false, Error: types.ErrCodeCommandFailed, Message: fmt.Sprintf("start: %v", err), Command: command}
	}
	r.register(cmd)
	runErr := cmd.Wait()
	r.unregister(cmd)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			code := -1
			return &types.CommandResult{
				Success:  false,
				Error:    types.ErrCodeTimeout,
				Message:  fmt.Sprintf("command timed out after %s", timeout),
				Command:  command,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: &code,
				TimedOut: true,
			}
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return &types.CommandResult{Success: false, Error: types.ErrCodeCommandFailed, Message: runErr.Error(), Command: command, Stdout: stdout.String(), Stderr: stderr.String()}
		}
	}

	return &types.CommandResult{
		Success:  true,
		Message:  fmt.Sprintf("command exited with code %d", exitCode),
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: &exitCode,
	}
}

func (r *Runner) executeBackground(command string, opts *types.CommandOptions) *types.CommandResult {
	// Background children outlive the request context on purpose; only
	// Shutdown reaps them.
	cmd, err := r.newCommand(context.Background(), command, opts.Cwd)
	if err != nil {
		return &types.CommandResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Command: command}
	}

	if err := cmd.Start(); err != nil {
		return &types.CommandResult{Success: false, Error: types.ErrCodeCommandFailed, Message: fmt.Sprintf("start: %v", err), Command: command, IsBackground: true}
	}
	pid := cmd.Process.Pid
	r.register(cmd)
	go func() {
		cmd.Wait()
		r.unregister(cmd)
	}()

	return &types.CommandResult{
		Success:      true,
		Message:      fmt.Sprintf("background command started (pid %d)", pid),
		Command:      command,
		IsBackground: true,
		PID:          pid,
	}
}

// Stream runs a command and delivers output chunks as events. The handler
// is called from reader goroutines; the final event is exit or error.
func (r *Runner) Stream(ctx context.Context, command string, opts *types.CommandOptions, emit func(types.ExecStreamEvent)) {
	if opts == nil {
		opts = &types.CommandOptions{}
	}
	timeout := r.defaultTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := r.newCommand(ctx, command, opts.Cwd)
	if err != nil {
		emit(types.ExecStreamEvent{Type: "error", Message: err.Error()})
		return
	}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		return nil
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		emit(types.ExecStreamEvent{Type: "error", Message: fmt.Sprintf("stdout pipe: %v", err)})
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		emit(types.ExecStreamEvent{Type: "error", Message: fmt.Sprintf("stderr pipe: %v", err)})
		return
	}

	if err := cmd.Start(); err != nil {
		emit(types.ExecStreamEvent{Type: "error", Message: fmt.Sprintf("start: %v", err)})
		return
	}
	r.register(cmd)
	defer r.unregister(cmd)

	var wg sync.WaitGroup
	pump := func(kind string, pipe interface{ Read([]byte) (int, error) }) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := pipe.Read(buf)
			if n > 0 {
				emit(types.ExecStreamEvent{Type: kind, Data: string(buf[:n])})
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump("stdout", stdoutPipe)
	go pump("stderr", stderrPipe)
	wg.Wait()

	runErr := cmd.Wait()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			emit(types.ExecStreamEvent{Type: "error", Message: runErr.Error()})
			return
		}
	}
	emit(types.ExecStreamEvent{Type: "exit", ExitCode: &exitCode})
}

func (r *Runner) register(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Process != nil {
		r.processes[cmd.Process.Pid] = cmd
	}
}

func (r *Runner) unregister(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Process != nil {
		delete(r.processes, cmd.Process.Pid)
	}
}

// ProcessCount reports live tracked processes.
func (r *Runner) ProcessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes)
}

// Shutdown kills every tracked process group.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	pids := make([]int, 0, len(r.processes))
	for pid := range r.processes {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	for _, pid := range pids {
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			log.Printf("sandboxfs: failed to kill process group %d: %v", pid, err)
		}
	}
}
