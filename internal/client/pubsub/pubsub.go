// Package pubsub maintains the websocket subscription channel to the
// server. Subscribed keys receive update frames that invalidate the local
// copy of the matching query.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

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

const (
	maxBackoffShift = 6 // caps reconnect delay at 64s
	offlinePoll     = 250 * time.Millisecond
)

// UpdateFunc receives update frames for subscribed keys.
type UpdateFunc func(key string, value json.RawMessage)

// Client dials the server's subscription endpoint and keeps it alive. On
// every (re)connect it resubscribes the full key snapshot, so invalidations
// missed while disconnected are repaired by the refetch the update frames
// trigger afterwards.
type Client struct {
	url      string
	keys     func() []string
	onUpdate UpdateFunc
	online   func() bool
	log      logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	sleep func(ctx context.Context, d time.Duration)
}

func New(url string, keys func() []string, onUpdate UpdateFunc, online func() bool, log logging.Logger) *Client {
	return &Client{
		url:      url,
		keys:     keys,
		onUpdate: onUpdate,
		online:   online,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Start runs the connect loop until ctx is canceled. Reconnects back off
// exponentially (2^attempt seconds); a successful connect resets the
// attempt counter. While the online monitor reports the server down, no
// dial is attempted and the counter does not grow.
func (c *Client) Start(ctx context.Context) {
	go func() {
		attempt := 0
		for ctx.Err() == nil {
			if !c.online() {
				c.sleep(ctx, offlinePoll)
				continue
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
			if err != nil {
				shift := attempt
				if shift > maxBackoffShift {
					shift = maxBackoffShift
				}
				d := time.Duration(1<<shift) * time.Second
				c.log.Warn(ctx, "subscription channel dial failed", "after", d, "error", err)
				attempt++
				c.sleep(ctx, d)
				continue
			}
			attempt = 0

			c.setConn(conn)
			c.resubscribe(ctx)
			c.readLoop(ctx, conn)
			c.setConn(nil)
			_ = conn.Close()
		}
	}()
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) resubscribe(ctx context.Context) {
	keys := c.keys()
	for _, key := range keys {
		c.send(Frame{Type: FrameSubscribe, Key: key})
	}
	if len(keys) > 0 {
		c.log.Debug(ctx, "resubscribed", "keys", len(keys))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				c.log.Warn(ctx, "subscription channel lost", "error", err)
			}
			return
		}
		if f.Type == FrameUpdate {
			c.onUpdate(f.Key, f.Value)
		}
	}
}

// Subscribe tells the server to start pushing updates for key. While
// disconnected it is a no-op; the key is picked up from the snapshot on the
// next connect.
func (c *Client) Subscribe(key string) {
	c.send(Frame{Type: FrameSubscribe, Key: key})
}

// Unsubscribe stops updates for key.
func (c *Client) Unsubscribe(key string) {
	c.send(Frame{Type: FrameUnsubscribe, Key: key})
}

// send writes one frame under the mutex. The websocket permits only a
// single concurrent writer.
func (c *Client) send(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(f); err != nil {
		c.log.Warn(context.Background(), "subscription frame send failed", "type", f.Type, "key", f.Key, "error", err)
	}
}

// Close tears down the current connection, unblocking the read loop.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
