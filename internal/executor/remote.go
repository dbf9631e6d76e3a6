package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nickmerrett/shadow/internal/sidecarclient"
	"github.com/nickmerrett/shadow/pkg/types"
)

// Compile-time check: RemoteExecutor implements ToolExecutor.
var _ ToolExecutor = (*RemoteExecutor)(nil)

// RemoteExecutor routes every operation to the task's sidecar over the
// resilient RPC client. Transport failures surface as structured results:
// a breaker rejection carries CIRCUIT_BREAKER_OPEN and a timeout TIMEOUT;
// every other transport failure is reported as INTERNAL_ERROR.
type RemoteExecutor struct {
	taskID        string
	workspacePath string
	rpc           *sidecarclient.Client
}

// NewRemote creates an executor bound to the task's sidecar endpoint.
func NewRemote(taskID, workspacePath string, rpc *sidecarclient.Client) *RemoteExecutor {
	if workspacePath == "" {
		workspacePath = "/workspace"
	}
	return &RemoteExecutor{taskID: taskID, workspacePath: workspacePath, rpc: rpc}
}

func (e *RemoteExecutor) GetWorkspacePath() string { return e.workspacePath }
func (e *RemoteExecutor) IsRemote() bool           { return true }
func (e *RemoteExecutor) GetTaskID() string        { return e.taskID }

// decodeResult recovers the sidecar's structured tool result from a 4xx
// response body, so semantic failures (TEXT_NOT_UNIQUE, FILE_NOT_FOUND...)
// round-trip with all their fields instead of collapsing to a transport
// error.
func decodeResult(err error, out any) bool {
	var rpcErr *sidecarclient.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != sidecarclient.KindClient || len(rpcErr.Body) == 0 {
		return false
	}
	return json.Unmarshal(rpcErr.Body, out) == nil
}

// rpcFailure maps a transport error to the structured failure fields.
func rpcFailure(err error) (code, message string) {
	var rpcErr *sidecarclient.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Kind {
		case sidecarclient.KindCircuitOpen:
			return types.ErrCodeCircuitOpen, rpcErr.Message
		case sidecarclient.KindTimeout:
			return types.ErrCodeTimeout, rpcErr.Message
		}
		return types.ErrCodeInternal, rpcErr.Message
	}
	return types.ErrCodeInternal, err.Error()
}

func filePath(path string) string {
	return "/files/" + url.PathEscape(path)
}

func (e *RemoteExecutor) ReadFile(ctx context.Context, path string, opts *types.ReadOptions) *types.FileReadResult {
	route := filePath(path)
	if opts != nil && !opts.Entire {
		q := url.Values{"entire": {"false"}}
		if opts.StartLine > 0 {
			q.Set("startLine", strconv.Itoa(opts.StartLine))
		}
		if opts.EndLine > 0 {
			q.Set("endLine", strconv.Itoa(opts.EndLine))
		}
		route += "?" + q.Encode()
	}

	var res types.FileReadResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, route, nil, &res); err != nil {
		if decoded := decodeResult(err, &res); decoded {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.FileReadResult{Success: false, Error: code, Message: msg, Path: path}
	}
	return &res
}

func (e *RemoteExecutor) GetFileStats(ctx context.Context, path string) *types.FileStatsResult {
	var res types.FileStatsResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, filePath(path)+"/stats", nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.FileStatsResult{Success: false, Error: code, Message: msg, Path: path}
	}
	return &res
}

func (e *RemoteExecutor) WriteFile(ctx context.Context, path, content, instructions string) *types.FileWriteResult {
	var res types.FileWriteResult
	req := types.WriteFileRequest{Content: content, Instructions: instructions}
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, filePath(path), req, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.FileWriteResult{Success: false, Error: code, Message: msg, Path: path}
	}
	return &res
}

func (e *RemoteExecutor) DeleteFile(ctx context.Context, path string) *types.FileDeleteResult {
	var res types.FileDeleteResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodDelete, filePath(path), nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.FileDeleteResult{Success: false, Error: code, Message: msg, Path: path}
	}
	return &res
}

func (e *RemoteExecutor) SearchReplace(ctx context.Context, path, oldString, newString string) *types.SearchReplaceResult {
	var res types.SearchReplaceResult
	req := types.SearchReplaceRequest{OldString: oldString, NewString: newString}
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, filePath(path)+"/replace", req, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.SearchReplaceResult{Success: false, Error: code, Message: msg, Path: path}
	}
	return &res
}

func (e *RemoteExecutor) ListDirectory(ctx context.Context, path string) *types.DirectoryListResult {
	return e.listDirectory(ctx, path, false)
}

func (e *RemoteExecutor) ListDirectoryRecursive(ctx context.Context, path string) *types.DirectoryListResult {
	return e.listDirectory(ctx, path, true)
}

func (e *RemoteExecutor) listDirectory(ctx context.Context, path string, recursive bool) *types.DirectoryListResult {
	route := "/directory/" + url.PathEscape(path)
	if recursive {
		route += "?recursive=true"
	}
	var res types.DirectoryListResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, route, nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.DirectoryListResult{Success: false, Error: code, Message: msg, Path: path}
	}
	return &res
}

func (e *RemoteExecutor) SearchFiles(ctx context.Context, query string, opts *types.FileSearchOptions) *types.FileSearchResult {
	body := map[string]any{"query": query}
	if opts != nil && len(opts.TargetDirectories) > 0 {
		body["targetDirectories"] = opts.TargetDirectories
	}
	var res types.FileSearchResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, "/search/files", body, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.FileSearchResult{Success: false, Error: code, Message: msg, Query: query}
	}
	return &res
}

func (e *RemoteExecutor) GrepSearch(ctx context.Context, query string, opts *types.GrepOptions) *types.GrepSearchResult {
	body := map[string]any{"query": query}
	if opts != nil {
		if opts.IncludePattern != "" {
			body["includePattern"] = opts.IncludePattern
		}
		if opts.ExcludePattern != "" {
			body["excludePattern"] = opts.ExcludePattern
		}
		if opts.CaseSensitive {
			body["caseSensitive"] = true
		}
	}
	var res types.GrepSearchResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, "/search/grep", body, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GrepSearchResult{Success: false, Error: code, Message: msg, Query: query}
	}
	return &res
}

func (e *RemoteExecutor) SemanticSearch(ctx context.Context, query, repo string) *types.SemanticSearchResult {
	var res types.SemanticSearchResult
	body := map[string]string{"query": query, "repo": repo}
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, "/search/semantic", body, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.SemanticSearchResult{Success: false, Error: code, Message: msg, Query: query}
	}
	return &res
}

func (e *RemoteExecutor) ExecuteCommand(ctx context.Context, command string, opts *types.CommandOptions) *types.CommandResult {
	req := types.CommandRequest{Command: command}
	route := "/execute/command"
	if opts != nil {
		req.IsBackground = opts.IsBackground
		req.TimeoutMS = opts.TimeoutMS
		req.Cwd = opts.Cwd
		if opts.IsBackground {
			route = "/commands/background"
		}
	}
	var res types.CommandResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, route, req, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.CommandResult{Success: false, Error: code, Message: msg, Command: command}
	}
	return &res
}

func (e *RemoteExecutor) GetGitStatus(ctx context.Context) *types.GitStatusResult {
	var res types.GitStatusResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, "/api/git/status", nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitStatusResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) GetGitDiff(ctx context.Context) *types.GitDiffResult {
	var res types.GitDiffResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, "/api/git/diff", nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitDiffResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) GetDiffAgainstBase(ctx context.Context, baseBranch string) *types.GitDiffResult {
	var res types.GitDiffResult
	route := "/api/git/diff-against-base?base=" + url.QueryEscape(baseBranch)
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, route, nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitDiffResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) CommitChanges(ctx context.Context, req types.CommitRequest) *types.GitCommitResult {
	var res types.GitCommitResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, "/api/git/commit", req, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitCommitResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) PushBranch(ctx context.Context, req types.PushRequest) *types.GitPushResult {
	var res types.GitPushResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodPost, "/api/git/push", req, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitPushResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) GetCurrentBranch(ctx context.Context) *types.GitBranchResult {
	var res types.GitBranchResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, "/api/git/current-branch", nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitBranchResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) GetCurrentCommit(ctx context.Context) *types.GitCommitInfoResult {
	var res types.GitCommitInfoResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, "/api/git/current-commit", nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitCommitInfoResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) GetRecentCommitMessages(ctx context.Context, limit int) *types.GitLogResult {
	var res types.GitLogResult
	route := fmt.Sprintf("/api/git/commit-messages?limit=%d", limit)
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, route, nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitLogResult{Success: false, Error: code, Message: msg}
	}
	return &res
}

func (e *RemoteExecutor) GetFileChanges(ctx context.Context) *types.GitFileChangesResult {
	var res types.GitFileChangesResult
	if err := e.rpc.Do(ctx, e.taskID, http.MethodGet, "/api/git/file-changes", nil, &res); err != nil {
		if decodeResult(err, &res) {
			return &res
		}
		code, msg := rpcFailure(err)
		return &types.GitFileChangesResult{Success: false, Error: code, Message: msg}
	}
	return &res
}
