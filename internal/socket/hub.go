package socket

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nickmerrett/shadow/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The sidecar connects from inside the cluster; origin checks belong to
	// the outer deployment, not this channel.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHandler observes one filesystem event arriving from a sidecar.
type EventHandler func(ev types.FileSystemEvent)

// HeartbeatHandler observes heartbeat stats from a sidecar.
type HeartbeatHandler func(taskID string, stats types.HeartbeatStats)

// Hub is the control-plane end of the upstream channel. Each sidecar
// connection joins a task-scoped room; events fan out to per-task
// subscribers and the registered handlers.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room

	onEvent     EventHandler
	onHeartbeat HeartbeatHandler
}

type room struct {
	taskID string
	conn   *websocket.Conn
	subs   map[int]chan types.FileSystemEvent
	nextID int
}

// NewHub creates an empty hub.
func NewHub(onEvent EventHandler, onHeartbeat HeartbeatHandler) *Hub {
	return &Hub{
		rooms:       make(map[string]*room),
		onEvent:     onEvent,
		onHeartbeat: onHeartbeat,
	}
}

// Subscribe returns a channel of events for one task. Cancel closes it.
func (h *Hub) Subscribe(taskID string) (<-chan types.FileSystemEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[taskID]
	if r == nil {
		r = &room{taskID: taskID, subs: make(map[int]chan types.FileSystemEvent)}
		h.rooms[taskID] = r
	}
	id := r.nextID
	r.nextID++
	ch := make(chan types.FileSystemEvent, 128)
	r.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if r, ok := h.rooms[taskID]; ok {
			if existing, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(existing)
			}
		}
	}
}

// SendConfigUpdate pushes a configuration hint to the task's sidecar.
func (h *Hub) SendConfigUpdate(taskID string, config map[string]any) error {
	h.mu.RLock()
	r := h.rooms[taskID]
	var conn *websocket.Conn
	if r != nil {
		conn = r.conn
	}
	h.mu.RUnlock()

	if conn == nil {
		return nil // no connected sidecar; hints are best-effort
	}
	return conn.WriteJSON(types.SocketMessage{
		Type:   types.MsgConfigUpdate,
		TaskID: taskID,
		Config: config,
	})
}

// Connected reports whether a sidecar holds the task's channel.
func (h *Hub) Connected(taskID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[taskID]
	return r != nil && r.conn != nil
}

// ServeHTTP upgrades the request and services the sidecar connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("socket: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var taskID string
	defer func() {
		if taskID != "" {
			h.detach(taskID, conn)
		}
	}()

	for {
		var msg types.SocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case types.MsgJoinTask:
			taskID = msg.TaskID
			h.attach(taskID, conn)
			if err := conn.WriteJSON(types.SocketMessage{Type: types.MsgJoined, TaskID: taskID}); err != nil {
				return
			}
		case types.MsgFSChange:
			if msg.Event != nil {
				h.dispatch(*msg.Event)
			}
		case types.MsgHeartbeat:
			if h.onHeartbeat != nil && msg.Heartbeat != nil {
				h.onHeartbeat(msg.TaskID, *msg.Heartbeat)
			}
		}
	}
}

func (h *Hub) attach(taskID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[taskID]
	if r == nil {
		r = &room{taskID: taskID, subs: make(map[int]chan types.FileSystemEvent)}
		h.rooms[taskID] = r
	}
	if r.conn != nil && r.conn != conn {
		r.conn.Close() // a reconnecting sidecar replaces the stale channel
	}
	r.conn = conn
	log.Printf("socket: sidecar joined room %s", taskID)
}

func (h *Hub) detach(taskID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[taskID]; ok && r.conn == conn {
		r.conn = nil
	}
}

// dispatch fans one event out to the task's subscribers and the handler.
func (h *Hub) dispatch(ev types.FileSystemEvent) {
	if h.onEvent != nil {
		h.onEvent(ev)
	}

	h.mu.RLock()
	r := h.rooms[ev.TaskID]
	var subs []chan types.FileSystemEvent
	if r != nil {
		for _, ch := range r.subs {
			subs = append(subs, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Best-effort: a slow subscriber loses events, never blocks.
		}
	}
}
