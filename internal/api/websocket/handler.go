package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler upgrades page connections into coordinator sessions.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
	ctx      context.Context
}

// NewHandler creates the coordinator endpoint handler. allowedOrigins
// follows the CORS convention: a literal "*" admits any origin, otherwise
// the Origin header must match one entry exactly.
func NewHandler(ctx context.Context, hub *Hub, allowedOrigins []string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
		ctx: ctx,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	exact := make(map[string]bool, len(allowed))
	any := false
	for _, o := range allowed {
		if o == "*" {
			any = true
		}
		exact[o] = true
	}
	return func(r *http.Request) bool {
		if any {
			return true
		}
		origin := r.Header.Get("Origin")
		// Same-origin requests and non-browser clients send no Origin.
		if origin == "" {
			return true
		}
		return exact[origin]
	}
}

// ServeWS handles coordinator connection requests from pages.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("coordinator: upgrade failed", "error", err)
		return
	}

	pageID := uuid.New().String()
	client := NewClient(h.ctx, h.hub, conn, pageID)

	// A connection racing shutdown must not wedge on a run loop that
	// already exited.
	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
