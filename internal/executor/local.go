package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/internal/sandboxfs"
	"github.com/nickmerrett/shadow/pkg/types"
)

// Compile-time check: LocalExecutor implements ToolExecutor.
var _ ToolExecutor = (*LocalExecutor)(nil)

// LocalExecutor runs every operation directly on the host filesystem,
// rooted at the task's workspace. Git goes through the same subprocess
// manager the sidecar uses, so both backends share one behavior.
type LocalExecutor struct {
	taskID string
	ws     *sandboxfs.Workspace
	runner *sandboxfs.Runner
	git    *gitops.Manager
}

// NewLocal creates a local executor rooted at workspacePath.
func NewLocal(taskID, workspacePath string, tokens gitops.TokenSource, commandTimeout time.Duration) (*LocalExecutor, error) {
	ws, err := sandboxfs.NewWorkspace(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("open workspace for task %s: %w", taskID, err)
	}
	return &LocalExecutor{
		taskID: taskID,
		ws:     ws,
		runner: sandboxfs.NewRunner(ws, commandTimeout),
		git:    gitops.NewManager(ws.Root(), tokens),
	}, nil
}

func (e *LocalExecutor) GetWorkspacePath() string { return e.ws.Root() }
func (e *LocalExecutor) IsRemote() bool           { return false }
func (e *LocalExecutor) GetTaskID() string        { return e.taskID }

// Shutdown kills any processes the executor spawned.
func (e *LocalExecutor) Shutdown() { e.runner.Shutdown() }

func (e *LocalExecutor) ReadFile(ctx context.Context, path string, opts *types.ReadOptions) *types.FileReadResult {
	return e.ws.ReadFile(path, opts)
}

func (e *LocalExecutor) GetFileStats(ctx context.Context, path string) *types.FileStatsResult {
	return e.ws.GetFileStats(path)
}

func (e *LocalExecutor) WriteFile(ctx context.Context, path, content, instructions string) *types.FileWriteResult {
	return e.ws.WriteFile(path, content)
}

func (e *LocalExecutor) DeleteFile(ctx context.Context, path string) *types.FileDeleteResult {
	return e.ws.DeleteFile(path)
}

func (e *LocalExecutor) SearchReplace(ctx context.Context, path, oldString, newString string) *types.SearchReplaceResult {
	return e.ws.SearchReplace(path, oldString, newString)
}

func (e *LocalExecutor) ListDirectory(ctx context.Context, path string) *types.DirectoryListResult {
	return e.ws.ListDirectory(path)
}

func (e *LocalExecutor) ListDirectoryRecursive(ctx context.Context, path string) *types.DirectoryListResult {
	return e.ws.ListDirectoryRecursive(path)
}

func (e *LocalExecutor) SearchFiles(ctx context.Context, query string, opts *types.FileSearchOptions) *types.FileSearchResult {
	return e.ws.SearchFiles(query, opts)
}

func (e *LocalExecutor) GrepSearch(ctx context.Context, query string, opts *types.GrepOptions) *types.GrepSearchResult {
	return e.ws.GrepSearch(ctx, query, opts)
}

func (e *LocalExecutor) SemanticSearch(ctx context.Context, query, repo string) *types.SemanticSearchResult {
	return e.ws.SemanticSearch(query, repo)
}

func (e *LocalExecutor) ExecuteCommand(ctx context.Context, command string, opts *types.CommandOptions) *types.CommandResult {
	return e.runner.Execute(ctx, command, opts)
}

func (e *LocalExecutor) GetGitStatus(ctx context.Context) *types.GitStatusResult {
	st, err := e.git.Status(ctx)
	if err != nil {
		return &types.GitStatusResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	return &types.GitStatusResult{
		Success:   true,
		Branch:    st.Branch,
		Clean:     st.Clean,
		Staged:    st.Staged,
		Modified:  st.Modified,
		Untracked: st.Untracked,
		Deleted:   st.Deleted,
	}
}

func (e *LocalExecutor) GetGitDiff(ctx context.Context) *types.GitDiffResult {
	diff, err := e.git.Diff(ctx)
	if err != nil {
		return &types.GitDiffResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	return &types.GitDiffResult{Success: true, Diff: diff}
}

func (e *LocalExecutor) GetDiffAgainstBase(ctx context.Context, baseBranch string) *types.GitDiffResult {
	diff, err := e.git.DiffAgainstBase(ctx, baseBranch)
	if err != nil {
		return &types.GitDiffResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	return &types.GitDiffResult{Success: true, Diff: diff}
}

func (e *LocalExecutor) CommitChanges(ctx context.Context, req types.CommitRequest) *types.GitCommitResult {
	if req.Message == "" {
		return &types.GitCommitResult{Success: false, Error: types.ErrCodeValidation, Message: "commit message is required"}
	}
	var coAuthor *struct{ Name, Email string }
	if req.CoAuthor != nil {
		coAuthor = &struct{ Name, Email string }{req.CoAuthor.Name, req.CoAuthor.Email}
	}
	sha, err := e.git.Commit(ctx, req.User.Name, req.User.Email, req.Message, coAuthor)
	if err != nil {
		return &types.GitCommitResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	return &types.GitCommitResult{Success: true, CommitSha: sha, Message: "committed " + sha}
}

func (e *LocalExecutor) PushBranch(ctx context.Context, req types.PushRequest) *types.GitPushResult {
	if req.Branch == "" {
		return &types.GitPushResult{Success: false, Error: types.ErrCodeValidation, Message: "branch is required"}
	}
	if err := e.git.Push(ctx, req.Branch, req.SetUpstream, req.Force); err != nil {
		return &types.GitPushResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	return &types.GitPushResult{Success: true, Branch: req.Branch, Message: "pushed " + req.Branch}
}

func (e *LocalExecutor) GetCurrentBranch(ctx context.Context) *types.GitBranchResult {
	branch, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return &types.GitBranchResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	return &types.GitBranchResult{Success: true, Branch: branch}
}

func (e *LocalExecutor) GetCurrentCommit(ctx context.Context) *types.GitCommitInfoResult {
	sha, author, subject, err := e.git.CurrentCommit(ctx)
	if err != nil {
		return &types.GitCommitInfoResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	return &types.GitCommitInfoResult{Success: true, CommitSha: sha, Author: author, Subject: subject}
}

func (e *LocalExecutor) GetRecentCommitMessages(ctx context.Context, limit int) *types.GitLogResult {
	msgs, err := e.git.RecentCommitMessages(ctx, limit)
	if err != nil {
		return &types.GitLogResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	if msgs == nil {
		msgs = []string{}
	}
	return &types.GitLogResult{Success: true, Messages: msgs}
}

func (e *LocalExecutor) GetFileChanges(ctx context.Context) *types.GitFileChangesResult {
	changes, err := e.git.FileChanges(ctx)
	if err != nil {
		return &types.GitFileChangesResult{Success: false, Error: types.ErrCodeGitFailed, Message: err.Error()}
	}
	out := make([]types.GitFileChange, 0, len(changes))
	for _, ch := range changes {
		out = append(out, types.GitFileChange{
			Path:      ch.Path,
			Status:    ch.Status,
			Additions: ch.Additions,
			Deletions: ch.Deletions,
		})
	}
	return &types.GitFileChangesResult{Success: true, Changes: out}
}
