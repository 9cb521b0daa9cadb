package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errPoolClosed = errors.New("channel pool is closed")

// ChannelPool lends AMQP channels on one shared connection, at most size at a
// time. AMQP channels are not safe for concurrent use, so each caller borrows
// its own. Every channel has the pool's topic exchange declared on it.
//
// A connection the broker closed is redialed on the next borrow. Channels
// from the old connection are discarded when they come back.
type ChannelPool struct {
	url      string
	exchange string
	size     int

	slots chan struct{}
	idle  chan *amqp.Channel

	mu      sync.Mutex
	conn    *amqp.Connection
	closed  bool
	redials int
}

// NewChannelPool connects to url and declares exchange. Channels beyond the
// first are opened on demand.
func NewChannelPool(url, exchange string, size int) (*ChannelPool, error) {
	if size <= 0 {
		size = 10
	}

	p := &ChannelPool{
		url:      url,
		exchange: exchange,
		size:     size,
		slots:    make(chan struct{}, size),
		idle:     make(chan *amqp.Channel, size),
	}

	ch, err := p.open()
	if err != nil {
		p.Close()
		return nil, err
	}
	p.idle <- ch
	return p, nil
}

// Exchange returns the topic exchange the pool publishes to
func (p *ChannelPool) Exchange() string {
	return p.exchange
}

// connection returns the live connection, dialing again if the last one closed
func (p *ChannelPool) connection() (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errPoolClosed
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}
	if p.conn != nil {
		p.redials++
		slog.Warn("AMQP connection lost, redialing", "exchange", p.exchange, "redials", p.redials)
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	p.conn = conn
	return conn, nil
}

func (p *ChannelPool) open() (*amqp.Channel, error) {
	conn, err := p.connection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	return ch, nil
}

func (p *ChannelPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Get borrows a channel, blocking while size channels are out. Idle channels
// are reused unless they died with their connection.
func (p *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.isClosed() {
		return nil, errPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		select {
		case ch := <-p.idle:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
		}

		ch, err := p.open()
		if err != nil {
			<-p.slots
			return nil, err
		}
		return ch, nil
	}
}

// Return gives a borrowed channel back
func (p *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	defer func() {
		select {
		case <-p.slots:
		default:
		}
	}()

	if ch.IsClosed() {
		return
	}
	if p.isClosed() {
		ch.Close()
		return
	}
	select {
	case p.idle <- ch:
	default:
		ch.Close()
	}
}

// Publish sends msg to the pool's exchange under routingKey. A publish that
// fails because the channel or connection died is tried once more on a
// fresh channel.
func (p *ChannelPool) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var ch *amqp.Channel
		ch, err = p.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to get channel from pool: %w", err)
		}

		err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
		p.Return(ch)
		if err == nil {
			return nil
		}
		if !errors.Is(err, amqp.ErrClosed) {
			break
		}
		slog.Debug("Publish on closed channel, retrying", "routingKey", routingKey, "attempt", attempt)
	}
	return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
}

// Close closes idle channels and the connection. Channels still borrowed
// close with the connection.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	for {
		select {
		case ch := <-p.idle:
			if !ch.IsClosed() {
				ch.Close()
			}
			continue
		default:
		}
		break
	}

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// Idle returns the number of open channels waiting to be borrowed
func (p *ChannelPool) Idle() int {
	return len(p.idle)
}

// InUse returns the number of borrowed channels
func (p *ChannelPool) InUse() int {
	return len(p.slots)
}

// Capacity returns the maximum number of channels out at once
func (p *ChannelPool) Capacity() int {
	return p.size
}

// Redials returns how often the connection was re-established
func (p *ChannelPool) Redials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.redials
}
