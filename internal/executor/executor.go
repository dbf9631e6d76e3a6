// Package executor exposes the uniform tool contract the agent driver
// programs against, with local and remote (sidecar-routed) backends picked
// by the factory.
package executor

import (
	"context"

	"github.com/nickmerrett/shadow/pkg/types"
)

// ToolExecutor is the uniform facade over file, search, command and git
// operations. Tool-level failures are structured results, never errors:
// the agent driver reacts per tool.
type ToolExecutor interface {
	// File I/O.
	ReadFile(ctx context.Context, path string, opts *types.ReadOptions) *types.FileReadResult
	GetFileStats(ctx context.Context, path string) *types.FileStatsResult
	WriteFile(ctx context.Context, path, content, instructions string) *types.FileWriteResult
	DeleteFile(ctx context.Context, path string) *types.FileDeleteResult
	SearchReplace(ctx context.Context, path, oldString, newString string) *types.SearchReplaceResult
	ListDirectory(ctx context.Context, path string) *types.DirectoryListResult
	ListDirectoryRecursive(ctx context.Context, path string) *types.DirectoryListResult

	// Search.
	SearchFiles(ctx context.Context, query string, opts *types.FileSearchOptions) *types.FileSearchResult
	GrepSearch(ctx context.Context, query string, opts *types.GrepOptions) *types.GrepSearchResult
	SemanticSearch(ctx context.Context, query, repo string) *types.SemanticSearchResult

	// Command.
	ExecuteCommand(ctx context.Context, command string, opts *types.CommandOptions) *types.CommandResult

	// Git.
	GetGitStatus(ctx context.Context) *types.GitStatusResult
	GetGitDiff(ctx context.Context) *types.GitDiffResult
	GetDiffAgainstBase(ctx context.Context, baseBranch string) *types.GitDiffResult
	CommitChanges(ctx context.Context, req types.CommitRequest) *types.GitCommitResult
	PushBranch(ctx context.Context, req types.PushRequest) *types.GitPushResult
	GetCurrentBranch(ctx context.Context) *types.GitBranchResult
	GetCurrentCommit(ctx context.Context) *types.GitCommitInfoResult
	GetRecentCommitMessages(ctx context.Context, limit int) *types.GitLogResult
	GetFileChanges(ctx context.Context) *types.GitFileChangesResult

	// Introspection.
	GetWorkspacePath() string
	IsRemote() bool
	GetTaskID() string
}
