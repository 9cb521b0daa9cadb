package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeline/jobsync/internal/auth"
	"github.com/forgeline/jobsync/pkg/types"
)

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	claims *auth.Claims
	send   chan []byte
	// guarded by hub.mu
	rooms map[string]struct{}
}

// readPump handles room:join and room:leave until the socket fails
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env types.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Websocket read failed", "subject", c.claims.Subject, "error", err)
			}
			return
		}
		c.handle(env)
	}
}

func (c *client) handle(env types.Envelope) {
	var req types.RoomRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.Room == "" {
		slog.Warn("Ignoring malformed client message", "type", env.Type, "subject", c.claims.Subject)
		return
	}

	switch env.Type {
	case types.EventRoomJoin:
		if !c.claims.CanAccess(req.Room) {
			slog.Warn("Room join denied", "room", req.Room, "subject", c.claims.Subject)
			return
		}
		if c.hub.join(c, req.Room) {
			slog.Debug("Client joined room", "room", req.Room, "subject", c.claims.Subject)
		}
	case types.EventRoomLeave:
		c.hub.leave(c, req.Room)
	default:
		slog.Warn("Ignoring unknown client message", "type", env.Type)
	}
}

// writePump is the only writer on the socket
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
