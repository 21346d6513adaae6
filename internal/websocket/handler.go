package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rufus800/challawa-np/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// Handler upgrades HTTP requests and attaches them to the hub
type Handler struct {
	hub *Hub
}

// NewHandler creates a WebSocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades the connection and starts its pumps
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("WebSocket upgrade failed: %v", err)
		h.hub.Unsubscribe(sub)
		return
	}

	userAgent := r.UserAgent()
	ipAddress := getIPAddress(r)
	logger.Infof("New WebSocket connection %s from %s (%s)", sub.ID(), ipAddress, userAgent)

	client := newClient(h.hub, conn, sub, userAgent, ipAddress)
	go client.writePump()
	go client.readPump()
}

// The dashboard is served from other origins through the tunnel.
func checkOrigin(r *http.Request) bool {
	return true
}

// getIPAddress returns the client address, honoring proxy headers
func getIPAddress(r *http.Request) string {
	ipAddress := r.Header.Get("X-Real-IP")
	if ipAddress == "" {
		ipAddress = r.Header.Get("X-Forwarded-For")
	}
	if ipAddress == "" {
		ipAddress = r.RemoteAddr
	}
	return ipAddress
}
