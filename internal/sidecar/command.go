package sidecar

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/nickmerrett/shadow/pkg/types"
)

// executeCommand serves POST /execute/command. The terminal buffer records
// the command and its output streams.
func (s *Server) executeCommand(c echo.Context) error {
	var req types.CommandRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if strings.TrimSpace(req.Command) == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "command is required")
	}

	s.term.AddEntry(types.TerminalCommand, req.Command, 0)

	res := s.runner.Execute(c.Request().Context(), req.Command, &types.CommandOptions{
		IsBackground: req.IsBackground,
		TimeoutMS:    req.TimeoutMS,
		Cwd:          req.Cwd,
	})

	if res.Stdout != "" {
		s.term.AddEntry(types.TerminalStdout, res.Stdout, res.PID)
	}
	if res.Stderr != "" {
		s.term.AddEntry(types.TerminalStderr, res.Stderr, res.PID)
	}
	if res.TimedOut {
		s.term.AddEntry(types.TerminalSystem, "command timed out: "+req.Command, res.PID)
	}

	return respond(c, res.Success, res.Error, res)
}

// backgroundCommand serves POST /commands/background: always detached.
func (s *Server) backgroundCommand(c echo.Context) error {
	var req types.CommandRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if strings.TrimSpace(req.Command) == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "command is required")
	}

	s.term.AddEntry(types.TerminalCommand, req.Command, 0)
	res := s.runner.Execute(c.Request().Context(), req.Command, &types.CommandOptions{
		IsBackground: true,
		Cwd:          req.Cwd,
	})
	return respond(c, res.Success, res.Error, res)
}

// streamCommand serves POST /execute/stream, emitting JSON lines of
// {type: stdout|stderr|exit|error} events as the command runs.
func (s *Server) streamCommand(c echo.Context) error {
	var req types.CommandRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	if strings.TrimSpace(req.Command) == "" {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "command is required")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(resp)

	s.term.AddEntry(types.TerminalCommand, req.Command, 0)

	// The runner emits from both pipe readers; writes to the response must
	// serialize.
	var mu sync.Mutex
	s.runner.Stream(c.Request().Context(), req.Command, &types.CommandOptions{
		TimeoutMS: req.TimeoutMS,
		Cwd:       req.Cwd,
	}, func(ev types.ExecStreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case "stdout":
			s.term.AddEntry(types.TerminalStdout, ev.Data, 0)
		case "stderr":
			s.term.AddEntry(types.TerminalStderr, ev.Data, 0)
		}
		if err := enc.Encode(ev); err != nil {
			return
		}
		resp.Flush()
	})
	return nil
}
