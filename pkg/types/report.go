package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProgressReport is a producer's non-terminal progress, as posted to the gateway
type ProgressReport struct {
	Status    JobStatus `json:"status,omitempty"`
	Progress  *int      `json:"progress,omitempty"`
	Producer  string    `json:"producer"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Update converts the report into a store update. A log entry is attached
// only when the report carries a phase or message.
func (r ProgressReport) Update(jobID string) JobUpdate {
	update := JobUpdate{
		JobID:     jobID,
		Status:    r.Status,
		Progress:  r.Progress,
		Timestamp: r.Timestamp,
	}
	if r.Phase != "" || r.Message != "" {
		entry := &ProgressEntry{
			Timestamp: r.Timestamp,
			Producer:  r.Producer,
			Phase:     r.Phase,
			Message:   r.Message,
		}
		if r.Progress != nil {
			entry.Percent = *r.Progress
		}
		update.Entry = entry
	}
	return update
}

// FinalReport is a producer's terminal outcome
type FinalReport struct {
	JobID     string          `json:"job_id,omitempty"`
	Status    JobStatus       `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Producer  string          `json:"producer,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Update converts the report into a terminal store update. Only completed
// and failed are accepted; cancellation goes through the cancel operation.
func (r FinalReport) Update(jobID string) (JobUpdate, error) {
	update := JobUpdate{
		JobID:     jobID,
		Status:    r.Status,
		Timestamp: r.Timestamp,
	}

	switch r.Status {
	case JobStatusCompleted:
		update.Result = r.Result
	case JobStatusFailed:
		msg := r.Error
		if msg == "" {
			msg = "job failed"
		}
		update.Error = &JobError{Message: msg, Producer: r.Producer}
	default:
		return JobUpdate{}, fmt.Errorf("invalid final status %q: must be %q or %q", r.Status, JobStatusCompleted, JobStatusFailed)
	}
	return update, nil
}
