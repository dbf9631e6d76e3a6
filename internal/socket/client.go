// Package socket implements the persistent bidirectional channel between a
// sidecar and the control plane: a websocket carrying JSON frames.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	defaultHeartbeat  = 15 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnectTries = 8
	maxReconnectWait  = 30 * time.Second
)

// StatsFunc supplies the payload for heartbeat frames.
type StatsFunc func() types.HeartbeatStats

// ClientOptions configures a Client.
type ClientOptions struct {
	URL               string // ws:// or wss:// endpoint on the control plane
	TaskID            string
	HeartbeatInterval time.Duration
	Stats             StatsFunc
	OnConfigUpdate    func(map[string]any)
}

// Client maintains the sidecar side of the upstream channel. Losing the
// channel never affects HTTP RPC: sends fail soft and reconnection runs in
// the background with bounded, capped backoff.
type Client struct {
	opts ClientOptions

	mu   sync.Mutex
	conn *websocket.Conn

	outbound chan types.SocketMessage
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a client; Run starts it.
func NewClient(opts ClientOptions) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	return &Client{
		opts:     opts,
		outbound: make(chan types.SocketMessage, 256),
		done:     make(chan struct{}),
	}
}

// EmitEvent queues one filesystem event for upstream delivery. Events are
// sent one by one; a full queue drops the event (best-effort contract).
func (c *Client) EmitEvent(ev types.FileSystemEvent) {
	msg := types.SocketMessage{Type: types.MsgFSChange, TaskID: c.opts.TaskID, Event: &ev}
	select {
	case c.outbound <- msg:
	default:
		log.Printf("socket: outbound queue full, dropping fs event for %s", ev.Path)
	}
}

// EmitBatch queues a debounced batch, preserving order, one frame each.
func (c *Client) EmitBatch(batch []types.FileSystemEvent) {
	for _, ev := range batch {
		c.EmitEvent(ev)
	}
}

// Run connects and keeps the channel alive until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		if err := c.connect(ctx); err != nil {
			log.Printf("socket: giving up connecting to %s: %v", c.opts.URL, err)
			return
		}

		err := c.pump(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("socket: connection lost: %v, reconnecting", err)
	}
}

// connect dials with capped exponential backoff and bounded attempts.
func (c *Client) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxReconnectWait
	bo.MaxElapsedTime = 0

	dial := func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}

	err := backoff.Retry(dial, backoff.WithContext(backoff.WithMaxRetries(bo, maxReconnectTries), ctx))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	// Join the task-scoped room before anything else flows.
	return c.write(types.SocketMessage{Type: types.MsgJoinTask, TaskID: c.opts.TaskID})
}

// pump runs the read and write sides until either fails.
func (c *Client) pump(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	errCh := make(chan error, 2)

	go func() {
		for {
			var msg types.SocketMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			c.handleServerMessage(msg)
		}
	}()

	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case err := <-errCh:
			conn.Close()
			return err
		case msg := <-c.outbound:
			if err := c.write(msg); err != nil {
				conn.Close()
				return err
			}
		case <-heartbeat.C:
			msg := types.SocketMessage{Type: types.MsgHeartbeat, TaskID: c.opts.TaskID}
			if c.opts.Stats != nil {
				stats := c.opts.Stats()
				msg.Heartbeat = &stats
			}
			if err := c.write(msg); err != nil {
				conn.Close()
				return err
			}
		}
	}
}

func (c *Client) handleServerMessage(msg types.SocketMessage) {
	switch msg.Type {
	case types.MsgJoined:
		log.Printf("socket: joined task room %s", msg.TaskID)
	case types.MsgConfigUpdate:
		if c.opts.OnConfigUpdate != nil {
			c.opts.OnConfigUpdate(msg.Config)
		}
	default:
		// Server-to-sidecar traffic is limited to configuration hints;
		// anything else is ignored.
	}
}

func (c *Client) write(msg types.SocketMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", msg.Type, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}
