package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/pkg/types"
)

const dispatchTimeout = 30 * time.Second

// Dispatcher hands a stored job to the producer that computes it
type Dispatcher interface {
	Dispatch(ctx context.Context, job *types.Job) error
}

// Submitter creates jobs and sends them to producers in the background.
// A job whose dispatch fails is marked failed so observers still see an end.
type Submitter struct {
	store      JobStore
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// NewSubmitter creates a submitter. A nil dispatcher leaves jobs pending
// for producers that pick work straight from the store.
func NewSubmitter(store JobStore, dispatcher Dispatcher, m *metrics.Metrics) *Submitter {
	return &Submitter{store: store, dispatcher: dispatcher, metrics: m}
}

// Submit stores job as pending and dispatches it. job.ID is filled on return.
func (s *Submitter) Submit(job *types.Job) error {
	if err := s.store.Create(job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	s.metrics.RecordJobCreated(string(job.Kind))
	slog.Info("Job submitted", "job", job.ID, "owner", job.OwnerID, "kind", job.Kind)

	s.dispatch(job.Clone())
	return nil
}

// Retry derives a new job from a failed one and dispatches it
func (s *Submitter) Retry(id string) (*types.Job, error) {
	job, err := s.store.Retry(id)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordJobCreated(string(job.Kind))
	slog.Info("Job retried", "job", job.ID, "retryOf", id)

	s.dispatch(job.Clone())
	return job, nil
}

// Wait blocks until every in-flight dispatch finished
func (s *Submitter) Wait() {
	s.wg.Wait()
}

func (s *Submitter) dispatch(job *types.Job) {
	if s.dispatcher == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			slog.Error("Failed to dispatch job", "job", job.ID, "kind", job.Kind, "error", err)
			failErr := s.store.Update(types.JobUpdate{
				JobID:  job.ID,
				Status: types.JobStatusFailed,
				Error:  &types.JobError{Message: fmt.Sprintf("failed to dispatch: %v", err), Producer: "gateway"},
			})
			if failErr != nil {
				slog.Warn("Failed to mark undispatched job failed", "job", job.ID, "error", failErr)
			}
			return
		}
		slog.Debug("Job dispatched", "job", job.ID)
	}()
}
