// Package sidecar implements the in-sandbox HTTP service: the rooted
// workspace API for files, search, commands and git, plus terminal
// sessions and the streaming subsystems around them.
package sidecar

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/nickmerrett/shadow/internal/gitops"
	"github.com/nickmerrett/shadow/internal/sandboxfs"
	"github.com/nickmerrett/shadow/internal/terminal"
	"github.com/nickmerrett/shadow/internal/watcher"
	"github.com/nickmerrett/shadow/pkg/types"
)

// Options wires the server's collaborators.
type Options struct {
	TaskID    string
	Workspace *sandboxfs.Workspace
	Runner    *sandboxfs.Runner
	Git       *gitops.Manager
	Terminal  *terminal.Buffer
	Watcher   *watcher.Watcher // nil when watching is disabled

	CORSOrigin           string
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
}

// Server is the sidecar HTTP service.
type Server struct {
	echo      *echo.Echo
	taskID    string
	ws        *sandboxfs.Workspace
	runner    *sandboxfs.Runner
	git       *gitops.Manager
	term      *terminal.Buffer
	watch     *watcher.Watcher
	sessions  *sessionManager
	startTime time.Time
}

// NewServer creates the service with all routes configured.
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		taskID:    opts.TaskID,
		ws:        opts.Workspace,
		runner:    opts.Runner,
		git:       opts.Git,
		term:      opts.Terminal,
		watch:     opts.Watcher,
		sessions:  newSessionManager(opts.Workspace, opts.Terminal),
		startTime: time.Now(),
	}

	e.Use(middleware.Recover())
	if opts.CORSOrigin != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: strings.Split(opts.CORSOrigin, ","),
		}))
	}
	if opts.RateLimitMaxRequests > 0 {
		window := opts.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		limit := rate.Limit(float64(opts.RateLimitMaxRequests) / window.Seconds())
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{Rate: limit, Burst: opts.RateLimitMaxRequests},
		)))
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.health)
	e.GET("/status", s.status)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// File routes. The trailing /replace and /stats verbs are dispatched
	// inside the wildcard handlers because the path segment precedes them.
	e.GET("/files/*", s.readFileOrStats)
	e.POST("/files/*", s.writeFileOrReplace)
	e.DELETE("/files/*", s.deleteFile)

	e.GET("/directory/*", s.listDirectory)

	e.POST("/search/files", s.searchFiles)
	e.POST("/search/grep", s.grepSearch)
	e.POST("/search/semantic", s.semanticSearch)

	e.POST("/execute/command", s.executeCommand)
	e.POST("/commands/background", s.backgroundCommand)
	e.POST("/execute/stream", s.streamCommand)

	git := e.Group("/api/git")
	git.POST("/clone", s.gitClone)
	git.POST("/config", s.gitConfig)
	git.POST("/branch", s.gitBranch)
	git.GET("/status", s.gitStatus)
	git.GET("/diff", s.gitDiff)
	git.GET("/diff-against-base", s.gitDiffAgainstBase)
	git.POST("/checkout", s.gitCheckout)
	git.POST("/commit", s.gitCommit)
	git.POST("/push", s.gitPush)
	git.GET("/current-branch", s.gitCurrentBranch)
	git.GET("/current-commit", s.gitCurrentCommit)
	git.GET("/commit-messages", s.gitCommitMessages)
	git.GET("/file-changes", s.gitFileChanges)

	term := e.Group("/terminal")
	term.GET("/entries", s.terminalEntries)
	term.POST("/sessions", s.createTerminalSession)
	term.GET("/sessions", s.listTerminalSessions)
	term.GET("/sessions/:id/ws", s.terminalSessionSocket)
	term.POST("/sessions/:id/resize", s.resizeTerminalSession)
	term.DELETE("/sessions/:id", s.killTerminalSession)

	e.POST("/watcher/pause", s.pauseWatcher)
	e.POST("/watcher/resume", s.resumeWatcher)
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start(addr string) error {
	log.Printf("sidecar: listening on %s (workspace %s)", addr, s.ws.Root())
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP server and kills tracked child processes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.closeAll()
	s.runner.Shutdown()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) health(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return c.JSON(http.StatusOK, types.HealthResponse{
		Success: true,
		Healthy: true,
		Message: "ok",
		Details: &types.HealthDetails{
			UptimeSeconds: time.Since(s.startTime).Seconds(),
			PID:           os.Getpid(),
			MemoryBytes:   mem.Alloc,
		},
	})
}

func (s *Server) status(c echo.Context) error {
	stats := s.term.Stats()
	resp := map[string]any{
		"success":         true,
		"taskId":          s.taskID,
		"workspacePath":   s.ws.Root(),
		"uptime":          time.Since(s.startTime).Seconds(),
		"processCount":    s.runner.ProcessCount(),
		"terminalEntries": stats.Size,
		"terminalDrops":   stats.TotalDrops,
	}
	if s.watch != nil {
		resp["watcherPaused"] = s.watch.Paused()
		resp["pendingEvents"] = s.watch.PendingCount()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) pauseWatcher(c echo.Context) error {
	if s.watch == nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "watcher not enabled")
	}
	s.watch.Pause()
	return c.JSON(http.StatusOK, map[string]any{"success": true, "paused": true})
}

func (s *Server) resumeWatcher(c echo.Context) error {
	if s.watch == nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "watcher not enabled")
	}
	s.watch.Resume()
	return c.JSON(http.StatusOK, map[string]any{"success": true, "paused": false})
}

// jsonError writes the uniform failure body.
func jsonError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, types.ErrorResponse{Success: false, Message: message, Error: code})
}

// resultStatus maps a structured tool result's error code to the HTTP
// status for that route: traversal and validation are 400, missing files
// 404, the rest of the tool-level codes are semantic 400s, unexpected
// faults 500.
func resultStatus(errCode string) int {
	switch errCode {
	case "":
		return http.StatusOK
	case types.ErrCodeFileNotFound, types.ErrCodeDirNotFound:
		return http.StatusNotFound
	case types.ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// respond writes a tool result with the status derived from its code.
func respond(c echo.Context, success bool, errCode string, body any) error {
	if success {
		return c.JSON(http.StatusOK, body)
	}
	return c.JSON(resultStatus(errCode), body)
}

func wildcardPath(c echo.Context) string {
	p := c.Param("*")
	// The router may hand back the escaped form; decode before the path
	// boundary sees it so encoded traversal cannot slip through.
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	if p == "" {
		p = "."
	}
	return p
}
