// shadowctl is a small operator CLI over the control-plane library:
// prepare, inspect, exec into and clean up task sandboxes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nickmerrett/shadow/internal/config"
	"github.com/nickmerrett/shadow/internal/executor"
	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shadowctl: %v\n", err)
		os.Exit(1)
	}
}

func envTokenSource() gitops.TokenSource {
	return func(context.Context) (string, error) {
		return os.Getenv("GITHUB_TOKEN"), nil
	}
}

func newFactory() (*executor.Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return executor.NewFactory(cfg, envTokenSource()), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newRootCmd() *cobra.Command {
	var mode string

	root := &cobra.Command{
		Use:   "shadowctl",
		Short: "Operate shadow task sandboxes",
	}
	root.PersistentFlags().StringVar(&mode, "mode", "", "agent mode override (local, remote, vm)")

	prepare := &cobra.Command{
		Use:   "prepare <task-id> <repo-url>",
		Short: "Provision a sandbox and clone the repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseBranch, _ := cmd.Flags().GetString("base-branch")
			shadowBranch, _ := cmd.Flags().GetString("shadow-branch")
			if shadowBranch == "" {
				shadowBranch = "shadow/" + types.SanitizeTaskID(args[0])
			}

			f, err := newFactory()
			if err != nil {
				return err
			}
			mgr, err := f.CreateWorkspaceManager(types.AgentMode(mode))
			if err != nil {
				return err
			}
			info, err := mgr.PrepareWorkspace(cmd.Context(), types.TaskConfig{
				TaskID:       args[0],
				RepoURL:      args[1],
				BaseBranch:   baseBranch,
				ShadowBranch: shadowBranch,
			})
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
	prepare.Flags().String("base-branch", "main", "branch to clone")
	prepare.Flags().String("shadow-branch", "", "working branch (default shadow/<task>)")

	status := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show workspace status and health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := newFactory()
			if err != nil {
				return err
			}
			mgr, err := f.CreateWorkspaceManager(types.AgentMode(mode))
			if err != nil {
				return err
			}
			st := mgr.GetWorkspaceStatus(cmd.Context(), args[0])
			healthy, msg := mgr.HealthCheck(cmd.Context(), args[0])
			return printJSON(map[string]any{
				"status":  st,
				"healthy": healthy,
				"message": msg,
			})
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec <task-id> <command>",
		Short: "Run a command in the task's sandbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := newFactory()
			if err != nil {
				return err
			}
			ex, err := f.CreateToolExecutor(cmd.Context(), args[0], "", types.AgentMode(mode))
			if err != nil {
				return err
			}
			res := ex.ExecuteCommand(cmd.Context(), args[1], nil)
			fmt.Print(res.Stdout)
			fmt.Fprint(os.Stderr, res.Stderr)
			if !res.Success {
				return fmt.Errorf("%s: %s", res.Error, res.Message)
			}
			return nil
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup <task-id>",
		Short: "Tear the task's sandbox down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := newFactory()
			if err != nil {
				return err
			}
			mgr, err := f.CreateWorkspaceManager(types.AgentMode(mode))
			if err != nil {
				return err
			}
			if err := mgr.CleanupWorkspace(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("sandbox for %s removed\n", args[0])
			return nil
		},
	}

	root.AddCommand(prepare, status, execCmd, cleanup)
	return root
}
