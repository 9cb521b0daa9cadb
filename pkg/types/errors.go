package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrChannelUnavailable = errors.New("push channel unavailable")
	ErrPollTimeout        = errors.New("poll attempts exhausted")
	ErrCancelled          = errors.New("tracking cancelled")
)

// ConnectionError means the push channel could not be reached.
// Recoverable wherever a poll fallback exists.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("push channel unreachable after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("push channel unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrChannelUnavailable, e.Err} }

// NotFoundError means the store does not know the job id
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %s not found", e.JobID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TimeoutError means the poll attempt budget ran out before a terminal state
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not finish within %d poll attempts", e.JobID, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrPollTimeout }

// ProducerError is a failure reported by the job itself, not by this subsystem
type ProducerError struct {
	JobID    string
	Message  string
	Producer string
}

func (e *ProducerError) Error() string {
	if e.Producer != "" {
		return fmt.Sprintf("job %s failed in %s: %s", e.JobID, e.Producer, e.Message)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// CancelledError means the observer or the user requested a stop
type CancelledError struct {
	JobID string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("job %s cancelled", e.JobID) }

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }
