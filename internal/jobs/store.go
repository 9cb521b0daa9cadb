package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgeline/jobsync/pkg/types"
)

// Store manages job state in memory
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*types.Job
	listeners *listeners
}

// NewStore creates a new job store
func NewStore() *Store {
	return &Store{
		jobs:      make(map[string]*types.Job),
		listeners: newListeners(),
	}
}

// Create creates a new job
func (s *Store) Create(job *types.Job) error {
	if err := prepareNew(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	s.jobs[job.ID] = job.Clone()
	s.listeners.notify(job, types.JobUpdate{JobID: job.ID, Status: types.JobStatusPending, Timestamp: job.CreatedAt})
	return nil
}

// Get retrieves a job by ID
func (s *Store) Get(id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, &types.NotFoundError{JobID: id}
	}

	return job.Clone(), nil
}

// List returns an owner's jobs, newest first
func (s *Store) List(ownerID string) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.Job, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Update updates a job's status
func (s *Store) Update(update types.JobUpdate) error {
	return s.apply(update, true)
}

// UpdateProgress updates job progress (lighter weight update for frequent progress reports)
func (s *Store) UpdateProgress(update types.JobUpdate) error {
	return s.apply(update, false)
}

func (s *Store) apply(update types.JobUpdate, allowTerminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[update.JobID]
	if !exists {
		return &types.NotFoundError{JobID: update.JobID}
	}

	if _, err := applyUpdate(job, &update, allowTerminal); err != nil {
		return err
	}

	s.listeners.notify(job, update)
	return nil
}

// Cancel moves a job to cancelled. Terminal jobs are left alone.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return &types.NotFoundError{JobID: id}
	}
	if job.Status.IsTerminal() {
		return nil
	}

	update := types.JobUpdate{JobID: id, Status: types.JobStatusCancelled, Timestamp: time.Now()}
	if _, err := applyUpdate(job, &update, true); err != nil {
		return err
	}
	s.listeners.notify(job, update)
	return nil
}

// Retry creates a fresh job derived from a failed one
func (s *Store) Retry(id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, exists := s.jobs[id]
	if !exists {
		return nil, &types.NotFoundError{JobID: id}
	}

	retry, err := deriveRetry(original)
	if err != nil {
		return nil, err
	}
	s.jobs[retry.ID] = retry.Clone()

	s.listeners.notify(retry, types.JobUpdate{JobID: retry.ID, Status: types.JobStatusPending, Timestamp: retry.CreatedAt})
	return retry, nil
}

// Subscribe creates a listener channel for job updates
func (s *Store) Subscribe(jobID string) chan types.JobUpdate {
	return s.listeners.subscribe(jobID)
}

// Unsubscribe removes a listener channel
func (s *Store) Unsubscribe(jobID string, ch chan types.JobUpdate) {
	s.listeners.unsubscribe(jobID, ch)
}

// Watch creates a listener for all job changes
func (s *Store) Watch() chan Change {
	return s.listeners.watch()
}

// Unwatch removes a change listener
func (s *Store) Unwatch(ch chan Change) {
	s.listeners.unwatch(ch)
}

// IsActive checks if a job exists and has not reached a terminal state
func (s *Store) IsActive(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return false
	}
	return !job.Status.IsTerminal()
}
