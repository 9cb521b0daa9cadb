package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumerInfo holds a persistent consumer channel and its deliveries
type consumerInfo struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// RabbitMQClientPooled dispatches work and consumes producer results over a
// channel pool. Each consumed queue keeps one persistent consumer channel.
type RabbitMQClientPooled struct {
	pool        *ChannelPool
	consumers   map[string]*consumerInfo
	consumersMu sync.Mutex
}

// NewRabbitMQClientPooled creates a new RabbitMQ client with channel pooling
func NewRabbitMQClientPooled(url, exchange string, poolSize int) (*RabbitMQClientPooled, error) {
	pool, err := NewChannelPool(url, exchange, poolSize)
	if err != nil {
		return nil, err
	}

	return &RabbitMQClientPooled{
		pool:      pool,
		consumers: make(map[string]*consumerInfo),
	}, nil
}

// SendMessage publishes msg with queueName as routing key
func (c *RabbitMQClientPooled) SendMessage(ctx context.Context, queueName string, msg WorkMessage) error {
	if queueName == "" {
		return fmt.Errorf("no queue for job %s", msg.JobID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return c.pool.Publish(ctx, queueName, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    msg.JobID,
		Body:         body,
	})
}

// Pool exposes the underlying channel pool for other publishers on the same connection
func (c *RabbitMQClientPooled) Pool() *ChannelPool {
	return c.pool
}

// pooledRabbitMQMessage wraps amqp.Delivery and channel for pooled operations
// The channel must be kept with the message to properly acknowledge it later
type pooledRabbitMQMessage struct {
	delivery amqp.Delivery
	channel  *amqp.Channel
	pool     *ChannelPool
}

func (m *pooledRabbitMQMessage) Body() []byte {
	return m.delivery.Body
}

func (m *pooledRabbitMQMessage) DeliveryTag() uint64 {
	return m.delivery.DeliveryTag
}

// Receive waits for the next delivery on queueName. The first call for a
// queue starts one persistent consumer that later calls reuse.
func (c *RabbitMQClientPooled) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	consumer, err := c.consumer(ctx, queueName)
	if err != nil {
		return nil, err
	}

	select {
	case delivery, ok := <-consumer.deliveries:
		if !ok {
			// dropped so the next Receive starts a fresh consumer
			c.consumersMu.Lock()
			if c.consumers[queueName] == consumer {
				delete(c.consumers, queueName)
			}
			c.consumersMu.Unlock()
			return nil, fmt.Errorf("delivery channel for %s closed", queueName)
		}

		return &pooledRabbitMQMessage{
			delivery: delivery,
			channel:  consumer.channel,
			pool:     c.pool,
		}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RabbitMQClientPooled) consumer(ctx context.Context, queueName string) (*consumerInfo, error) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if consumer, ok := c.consumers[queueName]; ok {
		return consumer, nil
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel from pool: %w", err)
	}

	deliveries, err := declareAndConsume(ch, c.pool.exchange, queueName)
	if err != nil {
		c.pool.Return(ch)
		return nil, err
	}

	consumer := &consumerInfo{channel: ch, deliveries: deliveries}
	c.consumers[queueName] = consumer
	return consumer, nil
}

// declareAndConsume declares a durable queue bound by its own name and
// starts a manual-ack consumer with prefetch 1
func declareAndConsume(ch *amqp.Channel, exchange, queueName string) (<-chan amqp.Delivery, error) {
	if _, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := ch.QueueBind(queueName, queueName, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // queue
		"",        // consumer tag (auto-generated)
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consume on %s: %w", queueName, err)
	}
	return deliveries, nil
}

// Ack acknowledges msg on the consumer channel that delivered it
func (c *RabbitMQClientPooled) Ack(ctx context.Context, msg QueueMessage) error {
	pooledMsg, ok := msg.(*pooledRabbitMQMessage)
	if !ok {
		return fmt.Errorf("invalid message type: expected *pooledRabbitMQMessage")
	}

	if err := pooledMsg.channel.Ack(pooledMsg.delivery.DeliveryTag, false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Close cancels all persistent consumers and closes the channel pool
func (c *RabbitMQClientPooled) Close() error {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	for queueName, consumer := range c.consumers {
		if consumer.channel != nil {
			consumer.channel.Cancel("", false)
			c.pool.Return(consumer.channel)
		}
		delete(c.consumers, queueName)
	}

	return c.pool.Close()
}
