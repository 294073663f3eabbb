// Package websocket is the update coordinator: the channel over which
// foreground pages hear about staged engine versions and send control
// commands back. Delivery is at-least-once per connected page with no
// ordering guarantee across pages; a page that disconnects mid-broadcast
// simply misses the message.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

// Lifecycle is what the coordinator needs from the engine runtime.
type Lifecycle interface {
	ActiveVersion() string
	WaitingVersion() string
	SkipWaiting()
	PageAttached() string
	PageDetached(version string)
}

// Hub tracks connected pages and fans coordinator messages out to them.
type Hub struct {
	lifecycle Lifecycle
	log       *slog.Logger

	// Registered pages
	clients map[*Client]bool

	// Outbound fan-out messages
	broadcast chan []byte

	// Register requests from new connections
	register chan *Client

	// Unregister requests from closing connections
	unregister chan *Client

	// Guards clients for reads outside the run loop
	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a coordinator hub bound to the lifecycle runtime.
func NewHub(ctx context.Context, lifecycle Lifecycle, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		lifecycle:  lifecycle,
		log:        log,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until the hub is stopped.
// All map mutation happens here.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			client.controlledBy = h.lifecycle.PageAttached()
			h.mu.Lock()
			h.clients[client] = true
			metrics.PagesConnected.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.log.Info("coordinator: page connected", "page_id", client.id, "controlled_by", client.controlledBy)

			// A page arriving while an update is already parked still
			// needs to hear about it, exactly once.
			if waiting := h.lifecycle.WaitingVersion(); waiting != "" {
				client.enqueue(encodeMessage(models.MsgUpdateAvailable, waiting))
			}

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				client.closeSend()
				metrics.PagesConnected.Set(float64(len(h.clients)))
			}
			h.mu.Unlock()
			// A client evicted during a broadcast already detached.
			if ok {
				h.lifecycle.PageDetached(client.controlledBy)
				h.log.Info("coordinator: page disconnected", "page_id", client.id)
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.tryEnqueue(message) {
					// Page cannot keep up; drop the connection rather
					// than the whole broadcast.
					delete(h.clients, client)
					client.closeSend()
					h.lifecycle.PageDetached(client.controlledBy)
				}
			}
			metrics.PagesConnected.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and drops every connection.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	metrics.PagesConnected.Set(0)
}

// UpdateAvailable announces a newly staged version to every connected page.
func (h *Hub) UpdateAvailable(version string) {
	h.publish(encodeMessage(models.MsgUpdateAvailable, version))
}

// Updated announces that a staged version finished activating.
func (h *Hub) Updated(version string) {
	h.publish(encodeMessage(models.MsgUpdated, version))
}

func (h *Hub) publish(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of connected pages.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encodeMessage(msgType, version string) []byte {
	data, _ := json.Marshal(models.Message{
		Type:      msgType,
		Version:   version,
		Timestamp: time.Now().UTC(),
	})
	return data
}
