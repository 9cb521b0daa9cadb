package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/jobsync/pkg/types"
)

// applyUpdate mutates job in place. It reports whether a new log entry was appended.
func applyUpdate(job *types.Job, update *types.JobUpdate, allowTerminal bool) (bool, error) {
	if job.Status.IsTerminal() {
		return false, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrTerminal)
	}
	if update.Status == "" {
		update.Status = types.JobStatusProcessing
	}
	if !update.Status.Valid() {
		return false, fmt.Errorf("invalid status %q", update.Status)
	}
	if update.Status.IsTerminal() && !allowTerminal {
		return false, fmt.Errorf("progress update cannot set terminal status %q", update.Status)
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	// listeners must see the same timestamps a later read returns
	update.Timestamp = types.StoreTime(update.Timestamp)

	job.Status = update.Status
	job.UpdatedAt = update.Timestamp

	if update.Progress != nil {
		job.Progress = clampProgress(*update.Progress)
	}

	appended := false
	if update.Entry != nil {
		entry := *update.Entry
		if entry.Timestamp.IsZero() {
			entry.Timestamp = update.Timestamp
		}
		entry.Timestamp = types.StoreTime(entry.Timestamp)
		update.Entry = &entry
		if !hasEntry(job.ProgressLog, entry) {
			job.ProgressLog = append(job.ProgressLog, *update.Entry)
			appended = true
		}
	}

	switch update.Status {
	case types.JobStatusCompleted:
		job.Progress = 100
		job.Result = update.Result
	case types.JobStatusFailed:
		if update.Error == nil {
			update.Error = &types.JobError{Message: "job failed"}
		}
		job.Error = update.Error
	}

	return appended, nil
}

// prepareNew fills creation defaults shared by every store
func prepareNew(job *types.Job) error {
	if job.OwnerID == "" {
		return fmt.Errorf("job owner is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := types.StoreTime(time.Now())
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = types.JobStatusPending
	job.Progress = 0
	job.ProgressLog = nil
	job.Result = nil
	job.Error = nil
	return nil
}

// deriveRetry builds the fresh job a retry creates. The original is left untouched.
func deriveRetry(original *types.Job) (*types.Job, error) {
	if original.Status != types.JobStatusFailed {
		return nil, fmt.Errorf("job %s is %s: %w", original.ID, original.Status, ErrNotRetryable)
	}
	retry := &types.Job{
		OwnerID: original.OwnerID,
		Kind:    original.Kind,
		Params:  original.Params,
		RetryOf: original.ID,
	}
	if err := prepareNew(retry); err != nil {
		return nil, err
	}
	return retry, nil
}

func hasEntry(log []types.ProgressEntry, entry types.ProgressEntry) bool {
	key := entry.Key()
	for _, e := range log {
		if e.Key() == key {
			return true
		}
	}
	return false
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
