// Package hub is the gateway side of the push channel: websocket clients
// grouped into owner rooms, fed from job store changes.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeline/jobsync/internal/auth"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Sink receives every envelope the bridge broadcasts to a room
type Sink interface {
	Publish(ctx context.Context, room string, env types.Envelope) error
}

// Hub tracks websocket clients and the rooms they joined
type Hub struct {
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool
}

// New creates a hub. CheckOrigin is left to the CORS layer in front of it.
func New(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades an authenticated request to a websocket client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		claims: claims,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return
	}

	slog.Debug("Websocket client connected", "subject", claims.Subject)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.IncrementConnections()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.removeFromRoom(room, c)
	}
	close(c.send)
	h.metrics.DecrementConnections()
}

// join adds c to room. Reports false when c was already in it.
func (h *Hub) join(c *client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	return true
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return
	}
	delete(c.rooms, room)
	h.removeFromRoom(room, c)
}

// removeFromRoom must be called with h.mu held
func (h *Hub) removeFromRoom(room string, c *client) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish sends env to every client in room. Slow clients are disconnected
// rather than allowed to block the broadcast.
func (h *Hub) Publish(ctx context.Context, room string, env types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("Websocket client too slow, disconnecting", "subject", c.claims.Subject)
		h.unregister(c)
	}
	return nil
}

// RoomSize returns the number of clients in room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
