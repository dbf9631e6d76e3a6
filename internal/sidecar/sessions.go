package sidecar

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nickmerrett/shadow/internal/sandboxfs"
	"github.com/nickmerrett/shadow/internal/terminal"
	"github.com/nickmerrett/shadow/pkg/types"
)

var sessionUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ptySession is one interactive shell attached to a pseudo-terminal.
// The mirror goroutine is the only PTY reader; an attached websocket gets
// the same chunks forwarded.
type ptySession struct {
	id      string
	cmd     *exec.Cmd
	ptmx    *os.File
	created time.Time

	mu       sync.Mutex
	closed   bool
	attached *websocket.Conn
}

func (ps *ptySession) attach(conn *websocket.Conn) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.attached != nil && ps.attached != conn {
		ps.attached.Close()
	}
	ps.attached = conn
}

func (ps *ptySession) detach(conn *websocket.Conn) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.attached == conn {
		ps.attached = nil
	}
}

func (ps *ptySession) forward(data []byte) {
	ps.mu.Lock()
	conn := ps.attached
	ps.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.BinaryMessage, data)
	}
}

func (ps *ptySession) close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	ps.closed = true
	ps.ptmx.Close()
	if ps.cmd.Process != nil {
		ps.cmd.Process.Kill()
	}
}

// sessionManager owns the sidecar's interactive terminal sessions. Output
// is mirrored into the terminal buffer so the ring stays the single
// history of the sandbox's terminal activity.
type sessionManager struct {
	ws   *sandboxfs.Workspace
	term *terminal.Buffer

	mu       sync.Mutex
	sessions map[string]*ptySession
}

func newSessionManager(ws *sandboxfs.Workspace, term *terminal.Buffer) *sessionManager {
	return &sessionManager{
		ws:       ws,
		term:     term,
		sessions: make(map[string]*ptySession),
	}
}

func (m *sessionManager) create(shell string, cols, rows uint16) (*ptySession, error) {
	if shell == "" {
		for _, sh := range []string{"/bin/bash", "/bin/sh"} {
			if _, err := os.Stat(sh); err == nil {
				shell = sh
				break
			}
		}
		if shell == "" {
			return nil, fmt.Errorf("no shell found")
		}
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(shell)
	cmd.Dir = m.ws.Root()
	cmd.Env = append(os.Environ(),
		"HOME="+m.ws.Root(),
		"TERM=xterm-256color",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	sess := &ptySession{
		id:      uuid.New().String()[:8],
		cmd:     cmd,
		ptmx:    ptmx,
		created: time.Now(),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	// Single PTY reader: mirror output into the ring and forward to the
	// attached websocket, if any.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				m.term.AddEntry(types.TerminalStdout, string(buf[:n]), cmd.Process.Pid)
				sess.forward(buf[:n])
			}
			if err != nil {
				m.remove(sess.id)
				return
			}
		}
	}()

	return sess, nil
}

func (m *sessionManager) get(id string) *ptySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *sessionManager) remove(id string) {
	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (m *sessionManager) list() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, map[string]any{
			"id":        s.id,
			"pid":       s.cmd.Process.Pid,
			"createdAt": s.created,
		})
	}
	return out
}

func (m *sessionManager) closeAll() {
	m.mu.Lock()
	sessions := make([]*ptySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*ptySession)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// HTTP handlers.

type createSessionRequest struct {
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
}

func (s *Server) createTerminalSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "invalid JSON body")
	}
	sess, err := s.sessions.create(req.Shell, uint16(req.Cols), uint16(req.Rows))
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, types.ErrCodeInternal, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": sess.id,
		"pid":       sess.cmd.Process.Pid,
	})
}

func (s *Server) listTerminalSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"success": true, "sessions": s.sessions.list()})
}

// terminalSessionSocket attaches a websocket to the session's PTY for raw
// bidirectional I/O.
func (s *Server) terminalSessionSocket(c echo.Context) error {
	sess := s.sessions.get(c.Param("id"))
	if sess == nil {
		return jsonError(c, http.StatusNotFound, types.ErrCodeFileNotFound, "session not found")
	}

	conn, err := sessionUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess.attach(conn)
	defer sess.detach(conn)

	// websocket -> PTY; the session's reader goroutine forwards the other
	// direction.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if _, err := sess.ptmx.Write(data); err != nil {
			break
		}
	}
	return nil
}

func (s *Server) resizeTerminalSession(c echo.Context) error {
	sess := s.sessions.get(c.Param("id"))
	if sess == nil {
		return jsonError(c, http.StatusNotFound, types.ErrCodeFileNotFound, "session not found")
	}
	var req createSessionRequest
	if err := c.Bind(&req); err != nil || req.Cols <= 0 || req.Rows <= 0 {
		return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "cols and rows are required")
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(req.Cols), Rows: uint16(req.Rows)}); err != nil {
		return jsonError(c, http.StatusInternalServerError, types.ErrCodeInternal, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) killTerminalSession(c echo.Context) error {
	if s.sessions.get(c.Param("id")) == nil {
		return jsonError(c, http.StatusNotFound, types.ErrCodeFileNotFound, "session not found")
	}
	s.sessions.remove(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// terminalEntries serves GET /terminal/entries with since/recent queries.
func (s *Server) terminalEntries(c echo.Context) error {
	if v := c.QueryParam("since"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "since must be an integer id")
		}
		return c.JSON(http.StatusOK, map[string]any{"success": true, "entries": s.term.GetSince(id)})
	}

	n := 100
	if v := c.QueryParam("recent"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return jsonError(c, http.StatusBadRequest, types.ErrCodeValidation, "recent must be a positive integer")
		}
		n = parsed
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "entries": s.term.GetRecent(n)})
}
