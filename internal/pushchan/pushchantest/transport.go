// Package pushchantest provides an in-memory push transport for tests.
package pushchantest

import (
	"context"
	"errors"
	"sync"

	"github.com/forgeline/jobsync/internal/pushchan"
	"github.com/forgeline/jobsync/pkg/types"
)

// ErrDialRefused is returned by Dial while dial failures are configured
var ErrDialRefused = errors.New("dial refused")

var errDropped = errors.New("connection dropped")

// Transport is a pushchan.Transport whose single live session is driven by the test
type Transport struct {
	mu       sync.Mutex
	live     *Conn
	dials    int
	failNext int
	failAll  bool
	joins    map[string]int
}

func New() *Transport {
	return &Transport{joins: make(map[string]int)}
}

func (t *Transport) Dial(ctx context.Context) (pushchan.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	if t.failAll {
		return nil, ErrDialRefused
	}
	if t.failNext > 0 {
		t.failNext--
		return nil, ErrDialRefused
	}

	c := &Conn{
		t:     t,
		inbox: make(chan types.Envelope, 64),
		lost:  make(chan struct{}),
		rooms: make(map[string]bool),
	}
	t.live = c
	return c, nil
}

// FailNextDials makes the next n dials fail
func (t *Transport) FailNextDials(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

// FailAllDials makes every dial fail until called with false
func (t *Transport) FailAllDials(fail bool) {
	t.mu.Lock()
	t.failAll = fail
	t.mu.Unlock()
}

// Dials returns the number of dial attempts so far
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// JoinCount returns how many join requests reached the wire for room
func (t *Transport) JoinCount(room string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins[room]
}

// Joined reports whether the live session is in room
func (t *Transport) Joined(room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live != nil && t.live.rooms[room]
}

// Emit delivers ev to the live session if it joined the owner's room.
// Reports whether the event was delivered.
func (t *Transport) Emit(ev types.Event) bool {
	env, err := types.NewEnvelope(ev)
	if err != nil {
		return false
	}
	return t.EmitRaw(ev.Owner(), env)
}

// EmitRaw delivers env to the live session if it joined room
func (t *Transport) EmitRaw(room string, env types.Envelope) bool {
	t.mu.Lock()
	c := t.live
	ok := c != nil && c.rooms[room]
	t.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case c.inbox <- env:
		return true
	case <-c.lost:
		return false
	}
}

// Drop severs the live session as a network failure would
func (t *Transport) Drop() {
	t.mu.Lock()
	c := t.live
	t.live = nil
	t.mu.Unlock()

	if c != nil {
		c.sever()
	}
}

// Conn is one in-memory session
type Conn struct {
	t     *Transport
	inbox chan types.Envelope
	lost  chan struct{}
	once  sync.Once
	rooms map[string]bool
}

func (c *Conn) Join(ctx context.Context, room string) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()

	select {
	case <-c.lost:
		return errDropped
	default:
	}
	c.rooms[room] = true
	c.t.joins[room]++
	return nil
}

func (c *Conn) Leave(ctx context.Context, room string) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	delete(c.rooms, room)
	return nil
}

func (c *Conn) Receive(ctx context.Context) (types.Envelope, error) {
	select {
	case <-ctx.Done():
		return types.Envelope{}, ctx.Err()
	case <-c.lost:
		return types.Envelope{}, errDropped
	case env := <-c.inbox:
		return env, nil
	}
}

func (c *Conn) Close() error {
	c.t.mu.Lock()
	if c.t.live == c {
		c.t.live = nil
	}
	c.t.mu.Unlock()

	c.sever()
	return nil
}

func (c *Conn) sever() {
	c.once.Do(func() { close(c.lost) })
}
