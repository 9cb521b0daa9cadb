package hub

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/forgeline/jobsync/internal/pushchan"
	"github.com/forgeline/jobsync/internal/queue"
	"github.com/forgeline/jobsync/pkg/types"
)

// AMQPPublisher mirrors room broadcasts onto a topic exchange so observers
// using the AMQP push transport see the same envelopes as websocket clients.
type AMQPPublisher struct {
	pool *queue.ChannelPool
}

// NewAMQPPublisher publishes through pool. The pool's exchange must be the one
// AMQP observers bind their room queues to.
func NewAMQPPublisher(pool *queue.ChannelPool) *AMQPPublisher {
	return &AMQPPublisher{pool: pool}
}

func (p *AMQPPublisher) Publish(ctx context.Context, room string, env types.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return p.pool.Publish(ctx, pushchan.RoutingKey(room), amqp.Publishing{
		ContentType: "application/json",
		Type:        string(env.Type),
		Body:        body,
	})
}
