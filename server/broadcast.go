package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/herald/pulse/execute"
)

// Hub fans execution events out to connected WebSocket clients. A slow
// client loses events rather than stalling execution.
type Hub struct {
	upgrader       websocket.Upgrader
	allowedOrigins []string
	logger         *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool
}

var _ execute.Broadcaster = (*Hub)(nil)

// NewHub creates a hub accepting browser connections from allowedOrigins.
func NewHub(allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Hub{
		allowedOrigins: allowedOrigins,
		logger:         log,
		clients:        make(map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts non-browser clients (no Origin header) and browsers on
// an allowed host. Ports are ignored so dev servers on any port work.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" {
			return true
		}
		a, err := url.Parse(allowed)
		if err != nil || a.Host == "" {
			continue
		}
		if strings.EqualFold(a.Scheme, u.Scheme) && strings.EqualFold(hostOnly(a.Host), hostOnly(u.Host)) {
			return true
		}
	}
	h.logger.Warnw("Rejected WebSocket origin", "origin", origin)
	return false
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan interface{}, sendBuffer),
		id:   uuid.NewString(),
	}
	if !h.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	h.logger.Debugw("WebSocket client connected", "client_id", c.id, "clients", len(h.clients))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.logger.Debugw("WebSocket client disconnected", "client_id", c.id, "clients", len(h.clients))
}

// Broadcast sends e to every client whose buffer has room.
func (h *Hub) Broadcast(e execute.Event) {
	h.broadcastMessage(e)
}

// broadcastMessage returns the number of clients that accepted msg.
func (h *Hub) broadcastMessage(msg interface{}) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients {
		select {
		case client.send <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
}
