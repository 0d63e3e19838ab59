package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	// sendBuffer bounds per-client queueing; a client that cannot keep
	// up loses events rather than stalling the broadcast path.
	sendBuffer = 256
)

// Client is one WebSocket subscriber to the event stream.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.EventFrame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan protocol.EventFrame, sendBuffer),
		closed: make(chan struct{}),
	}
}

// ID returns the connection id used as the bus subscription key.
func (c *Client) ID() string { return c.id }

// SendEvent queues an event for delivery. Never blocks: when the
// client's buffer is full the event is dropped.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	select {
	case c.send <- ev:
	case <-c.closed:
	default:
		slog.Debug("ws client lagging, event dropped", "client", c.id, "event", ev.Event)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Run pumps events out and drains inbound frames until the connection
// or the context ends. Inbound data frames are ignored; the stream is
// server-to-client only.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	case <-c.closed:
	}
	c.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
