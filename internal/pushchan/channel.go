// Package pushchan maintains the single push connection an observing process
// shares between every job tracker and list view.
//
// Lifecycle: New (init), Connect/Join/Subscribe (use), Close (teardown).
// Handlers run on the channel's reader goroutine without any channel lock
// held; they should hand events off and return.
package pushchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forgeline/jobsync/pkg/types"
)

var errClosed = errors.New("push channel closed")

// State is the connection state of a Channel
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateUnavailable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnavailable:
		return "unavailable"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handler receives decoded events of one type
type Handler func(types.Event)

// Config controls reconnect behavior
type Config struct {
	// MaxReconnects bounds the dial attempts after a connection loss
	MaxReconnects int
	// ReconnectBackoff is the fixed wait before each reconnect attempt
	ReconnectBackoff time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
}

// DefaultConfig returns the reconnect policy used by the CLI and gateway clients
func DefaultConfig() Config {
	return Config{
		MaxReconnects:    5,
		ReconnectBackoff: time.Second,
	}
}

// Channel is the process-wide push connection handle
type Channel struct {
	transport Transport
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	connectMu sync.Mutex

	mu    sync.Mutex
	state State
	conn  Conn
	rooms map[string]struct{}

	subsMu         sync.RWMutex
	handlers       map[types.EventType]map[uint64]Handler
	stateListeners map[uint64]func(State)
	nextID         uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected channel over transport
func New(transport Transport, cfg Config) *Channel {
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		transport:      transport,
		cfg:            cfg,
		clock:          cfg.Clock,
		logger:         cfg.Logger.With("component", "pushchan"),
		rooms:          make(map[string]struct{}),
		handlers:       make(map[types.EventType]map[uint64]Handler),
		stateListeners: make(map[uint64]func(State)),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is connected right now
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Connect dials the transport and re-joins known rooms. A failure leaves the
// channel unavailable and returns *types.ConnectionError.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	switch c.State() {
	case StateClosed:
		return errClosed
	case StateConnected:
		return nil
	case StateReconnecting:
		return &types.ConnectionError{Err: errors.New("reconnect in progress")}
	}

	c.setState(StateConnecting)

	conn, joined, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("Push channel connect failed", "error", err)
		c.setState(StateUnavailable)
		return &types.ConnectionError{Attempts: 1, Err: err}
	}

	if !c.attach(conn, joined) {
		return errClosed
	}

	c.wg.Add(1)
	go c.run(conn)

	c.logger.Info("Push channel connected")
	return nil
}

// Join subscribes the connection to room. Joining a room already joined is a
// local no-op. Rooms joined while disconnected are joined on (re)connect.
func (c *Channel) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return errClosed
	}
	if _, ok := c.rooms[room]; ok {
		c.mu.Unlock()
		return nil
	}
	c.rooms[room] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Join(ctx, room); err != nil {
		return &types.ConnectionError{Err: fmt.Errorf("join room %s: %w", room, err)}
	}
	c.logger.Debug("Joined room", "room", room)
	return nil
}

// Leave removes room from the joined set
func (c *Channel) Leave(ctx context.Context, room string) error {
	c.mu.Lock()
	if _, ok := c.rooms[room]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, room)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Leave(ctx, room)
}

// Rooms returns the locally joined rooms
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Subscribe registers h for events of eventType. The returned func removes
// exactly this registration and is safe to call more than once. Once it
// returns, h is not invoked for later events; a call already in progress
// may still complete.
func (c *Channel) Subscribe(eventType types.EventType, h Handler) func() {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[uint64]Handler)
	}
	c.handlers[eventType][id] = h
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.handlers[eventType], id)
			c.subsMu.Unlock()
		})
	}
}

// OnStateChange registers fn for connection state transitions
func (c *Channel) OnStateChange(fn func(State)) func() {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.stateListeners[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.stateListeners, id)
			c.subsMu.Unlock()
		})
	}
}

// Close tears the connection down. No handler runs after Close returns.
// Must not be called from a handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()

	c.notifyState(StateClosed)

	c.subsMu.Lock()
	c.handlers = make(map[types.EventType]map[uint64]Handler)
	c.stateListeners = make(map[uint64]func(State))
	c.subsMu.Unlock()

	c.logger.Info("Push channel closed")
	return err
}

// dial opens a session and joins the rooms known at that moment
func (c *Channel) dial(ctx context.Context) (Conn, map[string]struct{}, error) {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	joined := make(map[string]struct{}, len(c.rooms))
	for room := range c.rooms {
		joined[room] = struct{}{}
	}
	c.mu.Unlock()

	for room := range joined {
		if err := conn.Join(ctx, room); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("rejoin room %s: %w", room, err)
		}
	}
	return conn, joined, nil
}

// attach publishes conn as the live session, marks the channel connected and
// joins rooms added while it was being dialed. The state is set before the
// reader starts so a loss it detects is never overwritten. Reports false when
// the channel was closed meanwhile.
func (c *Channel) attach(conn Conn, joined map[string]struct{}) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	changed := c.state != StateConnected
	c.state = StateConnected
	var missing []string
	for room := range c.rooms {
		if _, ok := joined[room]; !ok {
			missing = append(missing, room)
		}
	}
	c.mu.Unlock()

	if changed {
		c.notifyState(StateConnected)
	}
	for _, room := range missing {
		if err := conn.Join(c.ctx, room); err != nil {
			c.logger.Warn("Failed to join room after connect", "room", room, "error", err)
		}
	}
	return true
}

func (c *Channel) run(conn Conn) {
	defer c.wg.Done()

	for {
		env, err := conn.Receive(c.ctx)
		if err == nil {
			c.dispatch(env)
			continue
		}
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("Push channel connection lost", "error", err)
		conn.Close()

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

func (c *Channel) reconnect() (Conn, bool) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.setState(StateReconnecting)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-c.clock.After(c.cfg.ReconnectBackoff):
		}

		conn, joined, err := c.dial(c.ctx)
		if err != nil {
			lastErr = err
			c.logger.Debug("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if !c.attach(conn, joined) {
			return nil, false
		}

		c.logger.Info("Push channel reconnected", "attempt", attempt)
		return conn, true
	}

	c.logger.Error("Push channel unavailable", "attempts", c.cfg.MaxReconnects, "error", lastErr)
	c.setState(StateUnavailable)
	return nil, false
}

func (c *Channel) dispatch(env types.Envelope) {
	ev, err := types.DecodeEvent(env)
	if err != nil {
		c.logger.Warn("Dropping invalid push event", "type", env.Type, "error", err)
		return
	}

	c.subsMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[ev.Type()]))
	for _, h := range c.handlers[ev.Type()] {
		handlers = append(handlers, h)
	}
	c.subsMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.notifyState(s)
}

func (c *Channel) notifyState(s State) {
	c.subsMu.RLock()
	listeners := make([]func(State), 0, len(c.stateListeners))
	for _, fn := range c.stateListeners {
		listeners = append(listeners, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
}
