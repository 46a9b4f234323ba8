package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/reconpoint/engine/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens before the upgrade (API key middleware); browsers
		// are not the expected client, so origin is not restricted here.
		return true
	},
}

// Handler handles WebSocket connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log,
	}
}

// ServeWS handles WebSocket upgrade requests.
// GET /ws
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}

	client := NewClient(h.hub, conn, r.RemoteAddr, h.logger)
	h.hub.RegisterClient(client)

	h.logger.Info("websocket client connected",
		"client_id", client.ID,
		"remote_addr", r.RemoteAddr,
	)

	go client.WritePump()
	go client.ReadPump()
}

// GetHub returns the hub instance.
func (h *Handler) GetHub() *Hub {
	return h.hub
}
