package sidecar

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nickmerrett/shadow/pkg/types"
)

// readFileOrStats serves GET /files/{path} and GET /files/{path}/stats.
func (s *Server) readFileOrStats(c echo.Context) error {
	path := wildcardPath(c)

	if rest, ok := strings.CutSuffix(path, "/stats"); ok {
		res := s.ws.GetFileStats(rest)
		return respond(c, res.Success, res.Error, res)
	}

	opts := &types.ReadOptions{Entire: true}
	if v := c.QueryParam("entire"); v == "false" {
		opts.Entire = false
	}
	if v := c.QueryParam("startLine"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "startLine must be an integer")
		}
		opts.StartLine = n
		opts.Entire = false
	}
	if v := c.QueryParam("endLine"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "endLine must be an integer")
		}
		opts.EndLine = n
		opts.Entire = false
	}

	res := s.ws.ReadFile(path, opts)
	return respond(c, res.Success, res.Error, res)
}

// writeFileOrReplace serves POST /files/{path} and POST /files/{path}/replace.
func (s *Server) writeFileOrReplace(c echo.Context) error {
	path := wildcardPath(c)

	if rest, ok := strings.CutSuffix(path, "/replace"); ok {
		var req types.SearchReplaceRequest
		if err := c.Bind(&req); err != nil {
			return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
		}
		res := s.ws.SearchReplace(rest, req.OldString, req.NewString)
		return respond(c, res.Success, res.Error, res)
	}

	var req types.WriteFileRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	res := s.ws.WriteFile(path, req.Content)
	return respond(c, res.Success, res.Error, res)
}

func (s *Server) deleteFile(c echo.Context) error {
	res := s.ws.DeleteFile(wildcardPath(c))
	return respond(c, res.Success, res.Error, res)
}

// listDirectory serves GET /directory/{path}, recursive with ?recursive=true.
func (s *Server) listDirectory(c echo.Context) error {
	path := wildcardPath(c)
	var res *types.DirectoryListResult
	if c.QueryParam("recursive") == "true" {
		res = s.ws.ListDirectoryRecursive(path)
	} else {
		res = s.ws.ListDirectory(path)
	}
	return respond(c, res.Success, res.Error, res)
}

type fileSearchRequest struct {
	Query             string   `json:"query"`
	TargetDirectories []string `json:"targetDirectories,omitempty"`
}

func (s *Server) searchFiles(c echo.Context) error {
	var req fileSearchRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.Query == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "query is required")
	}
	res := s.ws.SearchFiles(req.Query, &types.FileSearchOptions{TargetDirectories: req.TargetDirectories})
	return respond(c, res.Success, res.Error, res)
}

type grepRequest struct {
	Query          string `json:"query"`
	IncludePattern string `json:"includePattern,omitempty"`
	ExcludePattern string `json:"excludePattern,omitempty"`
	CaseSensitive  bool   `json:"caseSensitive,omitempty"`
}

func (s *Server) grepSearch(c echo.Context) error {
	var req grepRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.Query == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "query is required")
	}
	res := s.ws.GrepSearch(c.Request().Context(), req.Query, &types.GrepOptions{
		IncludePattern: req.IncludePattern,
		ExcludePattern: req.ExcludePattern,
		CaseSensitive:  req.CaseSensitive,
	})
	return respond(c, res.Success, res.Error, res)
}

type semanticSearchRequest struct {
	Query string `json:"query"`
	Repo  string `json:"repo,omitempty"`
}

func (s *Server) semanticSearch(c echo.Context) error {
	var req semanticSearchRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if req.Query == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "query is required")
	}
	res := s.ws.SemanticSearch(req.Query, req.Repo)
	return respond(c, res.Success, res.Error, res)
}
