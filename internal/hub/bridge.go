package hub

import (
	"context"
	"log/slog"

	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/pkg/types"
)

// Bridge turns job store changes into room broadcasts. Every change yields
// the job events it implies followed by a full list:update for the owner.
type Bridge struct {
	store   jobs.JobStore
	sinks   []Sink
	metrics *metrics.Metrics
	done    chan struct{}
}

func NewBridge(store jobs.JobStore, m *metrics.Metrics, sinks ...Sink) *Bridge {
	return &Bridge{store: store, sinks: sinks, metrics: m, done: make(chan struct{})}
}

// Start watches the store before returning, so no change made after Start
// is missed, and consumes changes until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	changes := b.store.Watch()
	slog.Info("Push bridge started", "sinks", len(b.sinks))

	go func() {
		defer close(b.done)
		defer b.store.Unwatch(changes)
		b.run(ctx, changes)
	}()
}

// Done is closed once the bridge stopped
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) run(ctx context.Context, changes chan jobs.Change) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("Push bridge stopped")
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			b.handle(ctx, change)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, change jobs.Change) {
	job := change.Job
	if job == nil || job.OwnerID == "" {
		return
	}

	if change.Update.Status.IsTerminal() {
		b.metrics.RecordJobTerminal(string(change.Update.Status))
	}

	for _, ev := range types.EventsForUpdate(job, change.Update) {
		b.broadcast(ctx, job.OwnerID, ev)
	}

	list, err := b.store.List(job.OwnerID)
	if err != nil {
		slog.Error("Failed to list jobs for list update", "owner", job.OwnerID, "error", err)
		return
	}
	b.broadcast(ctx, job.OwnerID, types.ListUpdateEvent{
		OwnerID:     job.OwnerID,
		Jobs:        list,
		ActiveCount: types.CountActive(list),
	})
}

func (b *Bridge) broadcast(ctx context.Context, room string, ev types.Event) {
	env, err := types.NewEnvelope(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type(), "error", err)
		return
	}

	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, room, env); err != nil {
			slog.Warn("Failed to publish event", "type", ev.Type(), "room", room, "error", err)
		}
	}
	b.metrics.RecordBroadcast(string(ev.Type()))
}
