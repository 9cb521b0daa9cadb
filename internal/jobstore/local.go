package jobstore

import (
	"context"

	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/pkg/types"
)

// Local serves the Store contract straight from a gateway-side jobs.JobStore
type Local struct {
	jobs jobs.JobStore
}

// NewLocal wraps an in-process job store
func NewLocal(store jobs.JobStore) *Local {
	return &Local{jobs: store}
}

func (l *Local) GetJob(ctx context.Context, id string) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.jobs.Get(id)
}

func (l *Local) ListJobs(ctx context.Context, ownerID string) ([]*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.jobs.List(ownerID)
}

func (l *Local) CancelJob(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.jobs.Cancel(id)
}

func (l *Local) RetryJob(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job, err := l.jobs.Retry(id)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}
