package sidecar

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/nickmerrett/shadow/pkg/types"
)

type gitCloneRequest struct {
	RepoURL string `json:"repoUrl"`
	Branch  string `json:"branch,omitempty"`
}

func (s *Server) gitClone(c echo.Context) error {
	var req gitCloneRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.RepoURL == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "repoUrl is required")
	}

	if err := s.git.Clone(c.Request().Context(), req.RepoURL, req.Branch); err != nil {
		return c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Success: false, Message: err.Error(), Error: types.ErrCodeCloneFailed,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "repository cloned"})
}

type gitConfigRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) gitConfig(c echo.Context) error {
	var req gitConfigRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.Name == "" || req.Email == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "name and email are required")
	}
	if err := s.git.Configure(c.Request().Context(), req.Name, req.Email); err != nil {
		return jsonError(c, http.StatusInternalServerError, types.ErrCodeGitFailed, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "git identity configured"})
}

type gitBranchRequest struct {
	Branch string `json:"branch"`
}

// gitBranch and gitCheckout both create-or-checkout; /branch exists for
// shadow-branch creation, /checkout for switching.
func (s *Server) gitBranch(c echo.Context) error   { return s.checkoutBranch(c) }
func (s *Server) gitCheckout(c echo.Context) error { return s.checkoutBranch(c) }

func (s *Server) checkoutBranch(c echo.Context) error {
	var req gitBranchRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.Branch == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "branch is required")
	}
	if err := s.git.CheckoutBranch(c.Request().Context(), req.Branch); err != nil {
		return c.JSON(http.StatusBadRequest, types.GitBranchResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitBranchResult{Success: true, Branch: req.Branch, Message: "checked out " + req.Branch})
}

func (s *Server) gitStatus(c echo.Context) error {
	st, err := s.git.Status(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.GitStatusResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitStatusResult{
		Success:   true,
		Branch:    st.Branch,
		Clean:     st.Clean,
		Staged:    st.Staged,
		Modified:  st.Modified,
		Untracked: st.Untracked,
		Deleted:   st.Deleted,
	})
}

func (s *Server) gitDiff(c echo.Context) error {
	diff, err := s.git.Diff(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.GitDiffResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitDiffResult{Success: true, Diff: diff})
}

func (s *Server) gitDiffAgainstBase(c echo.Context) error {
	base := c.QueryParam("base")
	if base == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "base query parameter is required")
	}
	diff, err := s.git.DiffAgainstBase(c.Request().Context(), base)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.GitDiffResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitDiffResult{Success: true, Diff: diff})
}

func (s *Server) gitCommit(c echo.Context) error {
	var req types.CommitRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.Message == "" || req.User.Name == "" || req.User.Email == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "message and user identity are required")
	}

	var coAuthor *struct{ Name, Email string }
	if req.CoAuthor != nil {
		coAuthor = &struct{ Name, Email string }{req.CoAuthor.Name, req.CoAuthor.Email}
	}
	sha, err := s.git.Commit(c.Request().Context(), req.User.Name, req.User.Email, req.Message, coAuthor)
	if err != nil {
		return c.JSON(http.StatusBadRequest, types.GitCommitResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitCommitResult{Success: true, CommitSha: sha, Message: "committed " + sha})
}

func (s *Server) gitPush(c echo.Context) error {
	var req types.PushRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.Branch == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "branch is required")
	}
	if err := s.git.Push(c.Request().Context(), req.Branch, req.SetUpstream, req.Force); err != nil {
		return c.JSON(http.StatusBadRequest, types.GitPushResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitPushResult{Success: true, Branch: req.Branch, Message: "pushed " + req.Branch})
}

func (s *Server) gitCurrentBranch(c echo.Context) error {
	branch, err := s.git.CurrentBranch(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.GitBranchResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitBranchResult{Success: true, Branch: branch})
}

func (s *Server) gitCurrentCommit(c echo.Context) error {
	sha, author, subject, err := s.git.CurrentCommit(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.GitCommitInfoResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	return c.JSON(http.StatusOK, types.GitCommitInfoResult{Success: true, CommitSha: sha, Author: author, Subject: subject})
}

func (s *Server) gitCommitMessages(c echo.Context) error {
	limit := 10
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "limit must be a positive integer")
		}
		limit = n
	}
	msgs, err := s.git.RecentCommitMessages(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.GitLogResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
	}
	if msgs == nil {
		msgs = []string{}
	}
	return c.JSON(http.StatusOK, types.GitLogResult{Success: true, Messages: msgs})
}

func (s *Server) gitFileChanges(c echo.Context) error {
	changes, err := s.git.FileChanges(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.GitFileChangesResult{
			Success: false, Message: err.Error(), Error: types.ErrCodeGitFailed,
		})
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
	return c.JSON(http.StatusOK, types.GitFileChangesResult{Success: true, Changes: out})
}
