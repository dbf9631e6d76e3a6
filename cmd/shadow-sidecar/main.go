// The shadow-sidecar binary runs inside each sandbox and serves the
// workspace API for the control plane.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nickmerrett/shadow/internal/config"
	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/internal/sandboxfs"
	"github.com/nickmerrett/shadow/internal/sidecar"
	"github.com/nickmerrett/shadow/internal/socket"
	"github.com/nickmerrett/shadow/internal/terminal"
	"github.com/nickmerrett/shadow/internal/watcher"
	"github.com/nickmerrett/shadow/pkg/types"
)

func main() {
	root := &cobra.Command{
		Use:   "shadow-sidecar",
		Short: "In-sandbox agent serving file, search, command and git operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	if err := root.Execute(); err != nil {
		log.Printf("sidecar: fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	ws, err := sandboxfs.NewWorkspace(cfg.WorkspaceDir, sandboxfs.WithMaxFileSizeMB(cfg.MaxFileSizeMB))
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	git := gitops.NewManager(ws.Root(), nil)
	// The workspace may be cloned by a different uid than the one running
	// the sidecar; marking it safe up front keeps every later git call
	// working.
	if err := git.Configure(context.Background(), "Shadow Agent", "agent@shadow.dev"); err != nil {
		log.Printf("sidecar: git identity setup deferred (no repository yet): %v", err)
	}

	runner := sandboxfs.NewRunner(ws, cfg.CommandTimeout)
	term := terminal.NewBuffer(terminal.Options{})
	defer term.Destroy()

	stateDir := filepath.Join(filepath.Dir(ws.Root()), "state")
	stopCheckpoints := term.StartCheckpoints(
		filepath.Join(stateDir, "terminal.json.gz"), cfg.TaskID, time.Minute)
	defer stopCheckpoints()

	fsw, err := watcher.New(ws.Root(), cfg.TaskID, watcher.Options{Source: types.SourceRemote})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fsw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sock *socket.Client
	if cfg.ControlPlaneURL != "" {
		sock = socket.NewClient(socket.ClientOptions{
			URL:    cfg.ControlPlaneURL,
			TaskID: cfg.TaskID,
			Stats: func() types.HeartbeatStats {
				stats := term.Stats()
				return types.HeartbeatStats{
					TerminalEntries: stats.Size,
					TerminalDrops:   stats.TotalDrops,
					WatcherPaused:   fsw.Paused(),
					PendingEvents:   fsw.PendingCount(),
				}
			},
			OnConfigUpdate: func(hints map[string]any) {
				if paused, ok := hints["watcherPaused"].(bool); ok {
					if paused {
						fsw.Pause()
					} else {
						fsw.Resume()
					}
				}
			},
		})
		go sock.Run(ctx)
		defer sock.Close()

		// Debounced batches flow upstream one event at a time.
		go func() {
			for batch := range fsw.Batches() {
				sock.EmitBatch(batch)
			}
		}()
	} else {
		go func() {
			for range fsw.Batches() {
				// No upstream channel configured; drain so the watcher
				// never backs up.
			}
		}()
	}

	srv := sidecar.NewServer(sidecar.Options{
		TaskID:               cfg.TaskID,
		Workspace:            ws,
		Runner:               runner,
		Git:                  git,
		Terminal:             term,
		Watcher:              fsw,
		CORSOrigin:           cfg.CORSOrigin,
		RateLimitWindow:      cfg.RateLimitWindow,
		RateLimitMaxRequests: cfg.RateLimitMaxRequests,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Printf("sidecar: received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
