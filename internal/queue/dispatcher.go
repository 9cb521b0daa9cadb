package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/pkg/types"
)

// Route names the producer queue for a job kind and its deadline
type Route struct {
	Queue   string        `yaml:"queue"`
	Timeout time.Duration `yaml:"timeout"`
}

// Dispatcher sends submitted jobs to the producer queue of their kind
type Dispatcher struct {
	client    Client
	transport string
	routes    map[types.JobKind]Route
	metrics   *metrics.Metrics
}

// NewDispatcher creates a dispatcher. transport labels the send duration metric.
func NewDispatcher(client Client, transport string, routes map[types.JobKind]Route, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		client:    client,
		transport: transport,
		routes:    routes,
		metrics:   m,
	}
}

// Dispatch sends job to its producer queue
func (d *Dispatcher) Dispatch(ctx context.Context, job *types.Job) error {
	route, ok := d.routes[job.Kind]
	if !ok || route.Queue == "" {
		return fmt.Errorf("no producer route for job kind %q", job.Kind)
	}

	start := time.Now()
	err := d.client.SendMessage(ctx, route.Queue, NewWorkMessage(job, route.Timeout))
	d.metrics.RecordQueueSendDuration(route.Queue, d.transport, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to dispatch job %s: %w", job.ID, err)
	}

	slog.Debug("Job dispatched", "job", job.ID, "kind", job.Kind, "queue", route.Queue)
	return nil
}
