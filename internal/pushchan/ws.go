package pushchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeline/jobsync/pkg/types"
)

// DefaultPongWait is how long a session may stay silent. The gateway pings
// every 54s, so a live connection never reaches it.
const DefaultPongWait = 60 * time.Second

// WSTransport dials the gateway /ws endpoint
type WSTransport struct {
	url      string
	token    string
	pongWait time.Duration
	dialer   *websocket.Dialer
}

// WSOption configures a WSTransport
type WSOption func(*WSTransport)

// WithPongWait sets how long a session may go without any frame, ping
// included, before it is reported lost
func WithPongWait(d time.Duration) WSOption {
	return func(t *WSTransport) {
		if d > 0 {
			t.pongWait = d
		}
	}
}

// NewWSTransport creates a websocket transport. url is a ws:// or wss:// address.
func NewWSTransport(url, token string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		url:      url,
		token:    token,
		pongWait: DefaultPongWait,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", t.url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", t.url, err)
	}

	c := &wsConn{ws: ws, pongWait: t.pongWait}
	c.extend()
	ws.SetPingHandler(func(data string) error {
		c.extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	pongWait time.Duration
	writeMu  sync.Mutex
}

// extend pushes the read deadline out. A half-open socket then fails the
// pending read instead of blocking it forever.
func (c *wsConn) extend() {
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
}

func (c *wsConn) Join(ctx context.Context, room string) error {
	return c.send(ctx, types.EventRoomJoin, room)
}

func (c *wsConn) Leave(ctx context.Context, room string) error {
	return c.send(ctx, types.EventRoomLeave, room)
}

func (c *wsConn) send(ctx context.Context, t types.EventType, room string) error {
	data, err := json.Marshal(types.RoomRequest{Room: room})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteJSON(types.Envelope{Type: t, Data: data})
}

// Receive blocks until a message arrives, the socket is closed or nothing,
// not even a ping, arrived within the pong wait
func (c *wsConn) Receive(ctx context.Context) (types.Envelope, error) {
	var env types.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return types.Envelope{}, err
	}
	c.extend()
	return env, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
