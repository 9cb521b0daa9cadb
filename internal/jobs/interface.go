package jobs

import (
	"errors"

	"github.com/forgeline/jobsync/pkg/types"
)

var (
	// ErrTerminal is returned when an update targets a job that already finished
	ErrTerminal = errors.New("job already in terminal state")
	// ErrNotRetryable is returned when retrying a job that did not fail
	ErrNotRetryable = errors.New("only failed jobs can be retried")
)

// Change is a job snapshot taken right after an update was applied
type Change struct {
	Job    *types.Job
	Update types.JobUpdate
}

// JobStore defines the interface for job storage
type JobStore interface {
	// Create creates a new job in pending state
	Create(job *types.Job) error

	// Get retrieves a job by ID
	Get(id string) (*types.Job, error)

	// List returns an owner's jobs, newest first
	List(ownerID string) ([]*types.Job, error)

	// Update applies a status transition and optional progress, result or error
	Update(update types.JobUpdate) error

	// UpdateProgress appends progress without allowing a terminal transition
	UpdateProgress(update types.JobUpdate) error

	// Cancel moves a job to cancelled. No-op when the job is already terminal.
	Cancel(id string) error

	// Retry creates a fresh pending job derived from a failed one
	Retry(id string) (*types.Job, error)

	// Subscribe creates a listener channel for job updates
	Subscribe(jobID string) chan types.JobUpdate

	// Unsubscribe removes a listener channel
	Unsubscribe(jobID string, ch chan types.JobUpdate)

	// Watch creates a listener for every change across all jobs
	Watch() chan Change

	// Unwatch removes a change listener
	Unwatch(ch chan Change)

	// IsActive checks if a job is still active
	IsActive(jobID string) bool
}
