package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can happen from this status
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobKind identifies which producer family handles a job
type JobKind string

const (
	JobKindChat       JobKind = "chat"
	JobKindGeneration JobKind = "generation"
	JobKindDeployment JobKind = "deployment"
	JobKindFix        JobKind = "fix"
)

// Job represents a unit of asynchronous work
type Job struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Kind        JobKind         `json:"kind,omitempty"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	ProgressLog []ProgressEntry `json:"progressLog"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	RetryOf     string          `json:"retryOf,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers can hand jobs across goroutines
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ProgressLog != nil {
		c.ProgressLog = append([]ProgressEntry(nil), j.ProgressLog...)
	}
	if j.Params != nil {
		c.Params = append(json.RawMessage(nil), j.Params...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// ProgressEntry is one line of a job's append-only progress log
type ProgressEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Producer  string    `json:"producer"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	// Percent is the job progress this entry was observed with. Not part of Key.
	Percent int `json:"percent,omitempty"`
}

// Key identifies an entry by content. Consumers dedupe on it, never on log index.
// Timestamps count in microseconds, the resolution Postgres keeps.
func (e ProgressEntry) Key() string {
	return fmt.Sprintf("%d|%s|%s|%s", e.Timestamp.UnixMicro(), e.Producer, e.Phase, e.Message)
}

// TimestampPrecision is the resolution job stores persist timestamps at
const TimestampPrecision = time.Microsecond

// StoreTime normalizes t to what a store persists and reads back
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// JobError is the producer-reported failure of a job
type JobError struct {
	Message  string `json:"message"`
	Producer string `json:"producer,omitempty"`
}

// JobUpdate represents a producer-side mutation of a job
type JobUpdate struct {
	JobID     string          `json:"jobId"`
	Status    JobStatus       `json:"status"`
	Progress  *int            `json:"progress,omitempty"`
	Entry     *ProgressEntry  `json:"entry,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CountActive returns how many jobs have not reached a terminal status
func CountActive(jobs []*Job) int {
	n := 0
	for _, j := range jobs {
		if j != nil && !j.Status.IsTerminal() {
			n++
		}
	}
	return n
}
