// Package jobstore is the data-access boundary the observer side reads jobs through.
// It holds no caching or retry policy.
package jobstore

import (
	"context"

	"github.com/forgeline/jobsync/pkg/types"
)

// Reader reads authoritative job state. Unknown ids yield *types.NotFoundError.
type Reader interface {
	GetJob(ctx context.Context, id string) (*types.Job, error)
}

// Lister lists an owner's jobs
type Lister interface {
	ListJobs(ctx context.Context, ownerID string) ([]*types.Job, error)
}

// Store is the full job store contract
type Store interface {
	Reader
	Lister

	// CancelJob is a no-op for a job that is already terminal
	CancelJob(ctx context.Context, id string) error

	// RetryJob derives a new job from a failed one and returns its id
	RetryJob(ctx context.Context, id string) (string, error)
}
