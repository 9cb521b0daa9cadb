package pushchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/forgeline/jobsync/pkg/types"
)

// RoutingKey is the topic routing key a room's events are published under
func RoutingKey(room string) string {
	return "room." + room
}

// AMQPTransport receives envelopes from a RabbitMQ topic exchange.
// Each session owns an exclusive auto-delete queue and rooms are bindings.
type AMQPTransport struct {
	url      string
	exchange string
}

func NewAMQPTransport(url, exchange string) *AMQPTransport {
	return &AMQPTransport{url: url, exchange: exchange}
}

func (t *AMQPTransport) Dial(ctx context.Context) (Conn, error) {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		t.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return &amqpConn{
		conn:       conn,
		ch:         ch,
		queue:      q.Name,
		exchange:   t.exchange,
		deliveries: deliveries,
	}, nil
}

type amqpConn struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	exchange   string
	deliveries <-chan amqp.Delivery
}

func (c *amqpConn) Join(ctx context.Context, room string) error {
	if err := c.ch.QueueBind(c.queue, RoutingKey(room), c.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind room %s: %w", room, err)
	}
	return nil
}

func (c *amqpConn) Leave(ctx context.Context, room string) error {
	if err := c.ch.QueueUnbind(c.queue, RoutingKey(room), c.exchange, nil); err != nil {
		return fmt.Errorf("failed to unbind room %s: %w", room, err)
	}
	return nil
}

func (c *amqpConn) Receive(ctx context.Context) (types.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return types.Envelope{}, ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				return types.Envelope{}, errors.New("delivery channel closed")
			}
			var env types.Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				// malformed deliveries do not end the session
				continue
			}
			return env, nil
		}
	}
}

func (c *amqpConn) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	return c.conn.Close()
}
