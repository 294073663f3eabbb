package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Coordinator messages are tiny; anything bigger is a broken client.
	maxMessageSize = 1024
)

// Client is one connected page's coordinator session.
type Client struct {
	conn *websocket.Conn

	// Buffered channel of outbound messages. Guarded by sendMu: the read
	// pump replies on it while the hub's run loop and Stop may be tearing
	// the session down, so every send and the single close go through the
	// lock.
	send   chan []byte
	sendMu sync.Mutex
	closed bool

	hub *Hub

	ctx    context.Context
	cancel context.CancelFunc

	// id identifies the page in logs.
	id string

	// controlledBy is the engine version that was active when the page
	// attached. Set by the hub's run loop at registration.
	controlledBy string
}

// NewClient wraps an upgraded connection into a coordinator session.
func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, id string) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		conn:   conn,
		send:   make(chan []byte, 16),
		hub:    hub,
		ctx:    clientCtx,
		cancel: cancel,
		id:     id,
	}
}

// ReadPump pumps inbound coordinator commands from the page until the
// connection dies, then unregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					c.hub.log.Warn("coordinator: read error", "page_id", c.id, "error", err)
				}
				return
			}
			c.handleMessage(message)
		}
	}
}

// WritePump pumps outbound messages and keepalive pings to the page.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue offers a message to this page only, dropping it if the page's
// buffer is full or the session is already torn down. Targeted delivery
// shares broadcast semantics: no retry.
func (c *Client) enqueue(message []byte) {
	c.tryEnqueue(message)
}

// tryEnqueue reports false only when a live page's buffer is full, which
// is the hub's cue to evict it. A closed session swallows the message.
func (c *Client) tryEnqueue(message []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once, letting the write
// pump flush a close frame to the page.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleMessage dispatches one inbound page command.
func (c *Client) handleMessage(raw []byte) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.hub.log.Warn("coordinator: undecodable message", "page_id", c.id, "error", err)
		return
	}

	switch msg.Type {
	case models.MsgSkipWaiting:
		c.hub.log.Info("coordinator: skip-waiting received", "page_id", c.id)
		c.hub.lifecycle.SkipWaiting()

	case models.MsgGetVersion:
		c.enqueue(encodeMessage(models.MsgVersion, c.hub.lifecycle.ActiveVersion()))

	default:
		c.hub.log.Debug("coordinator: ignoring unknown message type", "page_id", c.id, "type", msg.Type)
	}
}
