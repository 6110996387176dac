// Package pubsub fans out record invalidations to websocket subscribers.
// Subscription state lives only in memory; a reconnecting client
// resubscribes and refetches, so nothing here needs to be durable.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"threadsync/internal/logging"
)

// Frame is the wire format of the subscription channel, both directions.
type Frame struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameUpdate      = "update"
)

// sendBuffer is the per-connection outbound queue. A subscriber that
// cannot drain it this far behind is dropped rather than allowed to stall
// the hub.
const sendBuffer = 64

type conn struct {
	ws   *websocket.Conn
	send chan Frame
	keys map[string]struct{}
}

// Hub tracks which connection subscribed to which keys and delivers update
// frames for them.
type Hub struct {
	log logging.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewHub(log logging.Logger) *Hub {
	return &Hub{
		log:   log,
		conns: make(map[*conn]struct{}),
	}
}

// Serve owns ws until the connection drops or ctx is cancelled. It reads
// subscribe and unsubscribe frames and keeps a writer goroutine draining
// the outbound queue, so Publish never writes to the socket directly.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn) {
	c := &conn{
		ws:   ws,
		send: make(chan Frame, sendBuffer),
		keys: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.remove(c)
		ws.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range c.send {
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug(ctx, "subscriber read failed", "error", err)
			}
			return
		}
		switch f.Type {
		case FrameSubscribe:
			h.setKey(c, f.Key, true)
		case FrameUnsubscribe:
			h.setKey(c, f.Key, false)
		default:
			h.log.Debug(ctx, "unknown frame from subscriber", "type", f.Type)
		}
	}
}

// Publish queues an update frame for every connection subscribed to key.
// Connections too slow to take the frame are disconnected.
func (h *Hub) Publish(key, value string) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	f := Frame{Type: FrameUpdate, Key: key, Value: raw}

	var stale []*conn
	h.mu.Lock()
	for c := range h.conns {
		if _, ok := c.keys[key]; !ok {
			continue
		}
		select {
		case c.send <- f:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.log.Warn(context.Background(), "dropping slow subscriber", "key", key)
		c.ws.Close()
	}
}

// Subscribers reports how many connections hold a subscription to key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.conns {
		if _, ok := c.keys[key]; ok {
			n++
		}
	}
	return n
}

func (h *Hub) setKey(c *conn, key string, on bool) {
	if key == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		c.keys[key] = struct{}{}
	} else {
		delete(c.keys, key)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
}
