// Package consumer ingests producer outcomes from result queues and applies
// them to the job store.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/internal/queue"
	"github.com/forgeline/jobsync/pkg/types"
)

const defaultIdleBackoff = time.Second

// ResultConsumer consumes producer result messages and finalizes jobs.
// Messages are types.FinalReport bodies. Producers that dead-letter a work
// message wrap it as {"error": ..., "original_message": ...}; those fail the job.
type ResultConsumer struct {
	queueClient queue.Client
	jobStore    jobs.JobStore
	queues      []string
	idleBackoff time.Duration
}

// NewResultConsumer creates a consumer for the given result queues
func NewResultConsumer(queueClient queue.Client, jobStore jobs.JobStore, queues ...string) *ResultConsumer {
	return &ResultConsumer{
		queueClient: queueClient,
		jobStore:    jobStore,
		queues:      queues,
		idleBackoff: defaultIdleBackoff,
	}
}

// Start launches one consumer goroutine per result queue
func (c *ResultConsumer) Start(ctx context.Context) error {
	if len(c.queues) == 0 {
		return errors.New("no result queues configured")
	}
	slog.Info("Starting result consumer", "queues", c.queues)

	for _, name := range c.queues {
		go c.consumeQueue(ctx, name)
	}
	return nil
}

func (c *ResultConsumer) consumeQueue(ctx context.Context, queueName string) {
	slog.Info("Starting consumer", "queue", queueName)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping consumer", "queue", queueName)
			return
		default:
		}

		msg, err := c.queueClient.Receive(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrNoMessage) {
				slog.Error("Error receiving from queue", "queue", queueName, "error", err)
			}
			c.sleep(ctx)
			continue
		}

		slog.Debug("Received message", "queue", queueName, "body", string(msg.Body()[:min(len(msg.Body()), 200)]))
		c.processMessage(ctx, msg)
	}
}

func (c *ResultConsumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.idleBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// processMessage applies one result. The message is acked whatever happens:
// malformed or stale results cannot succeed on redelivery.
func (c *ResultConsumer) processMessage(ctx context.Context, msg queue.QueueMessage) {
	defer func() {
		if err := c.queueClient.Ack(ctx, msg); err != nil {
			slog.Error("Failed to ack message", "error", err)
		}
	}()

	report, err := parseResult(msg.Body())
	if err != nil {
		slog.Error("Failed to parse result message", "error", err, "body", string(msg.Body()[:min(len(msg.Body()), 200)]))
		return
	}
	if report.JobID == "" {
		slog.Error("No job_id in result message, skipping")
		return
	}

	update, err := report.Update(report.JobID)
	if err != nil {
		slog.Error("Invalid result message", "job", report.JobID, "error", err)
		return
	}

	if err := c.jobStore.Update(update); err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			slog.Debug("Ignoring result for finished job", "job", report.JobID)
			return
		}
		slog.Error("Failed to update job", "job", report.JobID, "error", err)
		return
	}

	slog.Info("Job marked as final status", "job", report.JobID, "status", update.Status)
}

func parseResult(body []byte) (types.FinalReport, error) {
	var wrapper struct {
		Error           string `json:"error"`
		OriginalMessage string `json:"original_message"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.OriginalMessage != "" {
		var original queue.WorkMessage
		if err := json.Unmarshal([]byte(wrapper.OriginalMessage), &original); err != nil {
			return types.FinalReport{}, err
		}
		return types.FinalReport{
			JobID:  original.JobID,
			Status: types.JobStatusFailed,
			Error:  wrapper.Error,
		}, nil
	}

	var report types.FinalReport
	if err := json.Unmarshal(body, &report); err != nil {
		return types.FinalReport{}, err
	}
	return report, nil
}
