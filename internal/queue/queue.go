package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/forgeline/jobsync/pkg/types"
)

// ErrNoMessage is returned by non-blocking clients when a queue is empty
var ErrNoMessage = errors.New("no message available")

// WorkMessage is the message a producer receives for a submitted job
type WorkMessage struct {
	JobID    string          `json:"job_id"`
	OwnerID  string          `json:"owner_id"`
	Kind     types.JobKind   `json:"kind"`
	Params   json.RawMessage `json:"params,omitempty"`
	RetryOf  string          `json:"retry_of,omitempty"`
	Deadline string          `json:"deadline,omitempty"` // ISO8601 timestamp
}

// NewWorkMessage builds the producer message for job. A zero timeout sets no deadline.
func NewWorkMessage(job *types.Job, timeout time.Duration) WorkMessage {
	msg := WorkMessage{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Kind:    job.Kind,
		Params:  job.Params,
		RetryOf: job.RetryOf,
	}
	if timeout > 0 {
		msg.Deadline = job.CreatedAt.Add(timeout).Format(time.RFC3339)
	}
	return msg
}

// QueueMessage represents a message received from a queue
type QueueMessage interface {
	Body() []byte
	DeliveryTag() uint64
}

// Client defines the interface for sending and receiving messages from queues
type Client interface {
	SendMessage(ctx context.Context, queueName string, msg WorkMessage) error
	Receive(ctx context.Context, queueName string) (QueueMessage, error)
	Ack(ctx context.Context, msg QueueMessage) error
	Close() error
}
