package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQClient sends messages to RabbitMQ over a single mutex-guarded channel.
// Used when the configured pool size is 1.
type RabbitMQClient struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex // Protects channel access for thread-safety
}

// NewRabbitMQClient creates a new RabbitMQ client
func NewRabbitMQClient(url, exchange string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
	}, nil
}

// SendMessage publishes msg with queueName as routing key
func (c *RabbitMQClient) SendMessage(ctx context.Context, queueName string, msg WorkMessage) error {
	if queueName == "" {
		return fmt.Errorf("no queue for job %s", msg.JobID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Protect channel access with mutex for thread-safety
	c.mu.Lock()
	err = c.ch.PublishWithContext(ctx,
		c.exchange, // exchange
		queueName,  // routing key (queue name)
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    msg.JobID,
			Body:         body,
		})
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}

	return nil
}

// rabbitMQMessage wraps amqp.Delivery to implement QueueMessage
type rabbitMQMessage struct {
	delivery amqp.Delivery
}

func (m *rabbitMQMessage) Body() []byte {
	return m.delivery.Body
}

func (m *rabbitMQMessage) DeliveryTag() uint64 {
	return m.delivery.DeliveryTag
}

// Receive fetches one message with basic.get. It returns ErrNoMessage when
// the queue is empty instead of blocking.
func (c *RabbitMQClient) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	if err := c.ch.QueueBind(queueName, queueName, c.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	delivery, ok, err := c.ch.Get(queueName, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if !ok {
		return nil, ErrNoMessage
	}

	return &rabbitMQMessage{delivery: delivery}, nil
}

// Ack acknowledges a message
func (c *RabbitMQClient) Ack(ctx context.Context, msg QueueMessage) error {
	rmqMsg, ok := msg.(*rabbitMQMessage)
	if !ok {
		return fmt.Errorf("invalid message type")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.Ack(rmqMsg.delivery.DeliveryTag, false)
}

// Close closes the RabbitMQ connection
func (c *RabbitMQClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
