package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a WebSocket handler. With no allowed origins every
// origin is accepted; operator consoles and services authenticate in-band.
func NewHandler(hub *Hub, logger *slog.Logger, allowedOrigins ...string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin
				if len(allowedOrigins) == 0 || origin == "" {
					return true
				}
				return slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logger,
	}
}

// ServeHTTP upgrades HTTP to WebSocket and handles the connection
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, h.logger)

	// The request context is cancelled when ServeHTTP returns after upgrade
	ctx, cancel := context.WithCancel(context.Background())
	client.SetContext(ctx, cancel)

	h.hub.Register(client)

	go client.WritePump(ctx)
	client.ReadPump(ctx) // Block here until client disconnects
}
