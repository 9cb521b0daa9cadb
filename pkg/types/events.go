package types

import (
	"encoding/json"
	"fmt"
)

// EventType is the tag of a push channel envelope
type EventType string

const (
	EventJobProgress  EventType = "job:progress"
	EventJobComplete  EventType = "job:complete"
	EventJobError     EventType = "job:error"
	EventJobCancelled EventType = "job:cancelled"
	EventListUpdate   EventType = "list:update"

	// Client to server control messages
	EventRoomJoin  EventType = "room:join"
	EventRoomLeave EventType = "room:leave"
)

// Envelope is the wire form of every push channel message
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is a decoded, validated envelope payload
type Event interface {
	Type() EventType
	// Owner returns the owner id the event is scoped to
	Owner() string
}

// JobEvent is an Event about a single job
type JobEvent interface {
	Event
	Job() string
}

type ProgressEvent struct {
	JobID    string         `json:"jobId"`
	OwnerID  string         `json:"ownerId"`
	Status   JobStatus      `json:"status"`
	Progress int            `json:"progress"`
	Entry    *ProgressEntry `json:"entry,omitempty"`
}

func (e ProgressEvent) Type() EventType { return EventJobProgress }
func (e ProgressEvent) Owner() string   { return e.OwnerID }
func (e ProgressEvent) Job() string     { return e.JobID }

type CompleteEvent struct {
	JobID   string          `json:"jobId"`
	OwnerID string          `json:"ownerId"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (e CompleteEvent) Type() EventType { return EventJobComplete }
func (e CompleteEvent) Owner() string   { return e.OwnerID }
func (e CompleteEvent) Job() string     { return e.JobID }

type ErrorEvent struct {
	JobID   string   `json:"jobId"`
	OwnerID string   `json:"ownerId"`
	Error   JobError `json:"error"`
}

func (e ErrorEvent) Type() EventType { return EventJobError }
func (e ErrorEvent) Owner() string   { return e.OwnerID }
func (e ErrorEvent) Job() string     { return e.JobID }

type CancelledEvent struct {
	JobID   string `json:"jobId"`
	OwnerID string `json:"ownerId"`
}

func (e CancelledEvent) Type() EventType { return EventJobCancelled }
func (e CancelledEvent) Owner() string   { return e.OwnerID }
func (e CancelledEvent) Job() string     { return e.JobID }

// ListUpdateEvent carries an owner's complete job list with a precomputed active count
type ListUpdateEvent struct {
	OwnerID     string `json:"ownerId"`
	Jobs        []*Job `json:"jobs"`
	ActiveCount int    `json:"activeCount"`
}

func (e ListUpdateEvent) Type() EventType { return EventListUpdate }
func (e ListUpdateEvent) Owner() string   { return e.OwnerID }

// RoomRequest is the payload of room:join and room:leave
type RoomRequest struct {
	Room string `json:"room"`
}

// NewEnvelope encodes an event into its wire form
func NewEnvelope(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", ev.Type(), err)
	}
	return Envelope{Type: ev.Type(), Data: data}, nil
}

// DecodeEvent maps an envelope tag to its payload shape and validates the
// scoping fields every consumer filters on.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case EventJobProgress:
		var ev ProgressEvent
		if err := decodeJobPayload(env, &ev, func() (string, string) { return ev.JobID, ev.OwnerID }); err != nil {
			return nil, err
		}
		return ev, nil
	case EventJobComplete:
		var ev CompleteEvent
		if err := decodeJobPayload(env, &ev, func() (string, string) { return ev.JobID, ev.OwnerID }); err != nil {
			return nil, err
		}
		return ev, nil
	case EventJobError:
		var ev ErrorEvent
		if err := decodeJobPayload(env, &ev, func() (string, string) { return ev.JobID, ev.OwnerID }); err != nil {
			return nil, err
		}
		return ev, nil
	case EventJobCancelled:
		var ev CancelledEvent
		if err := decodeJobPayload(env, &ev, func() (string, string) { return ev.JobID, ev.OwnerID }); err != nil {
			return nil, err
		}
		return ev, nil
	case EventListUpdate:
		var ev ListUpdateEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		if ev.OwnerID == "" {
			return nil, fmt.Errorf("invalid %s payload: missing ownerId", env.Type)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

func decodeJobPayload(env Envelope, dst any, ids func() (string, string)) error {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	jobID, ownerID := ids()
	if jobID == "" {
		return fmt.Errorf("invalid %s payload: missing jobId", env.Type)
	}
	if ownerID == "" {
		return fmt.Errorf("invalid %s payload: missing ownerId", env.Type)
	}
	return nil
}

// EventsForUpdate converts a store update into the push events it implies
func EventsForUpdate(job *Job, update JobUpdate) []Event {
	var events []Event
	if update.Entry != nil || update.Progress != nil || !update.Status.IsTerminal() {
		events = append(events, ProgressEvent{
			JobID:    job.ID,
			OwnerID:  job.OwnerID,
			Status:   job.Status,
			Progress: job.Progress,
			Entry:    update.Entry,
		})
	}
	switch update.Status {
	case JobStatusCompleted:
		events = append(events, CompleteEvent{JobID: job.ID, OwnerID: job.OwnerID, Result: job.Result})
	case JobStatusFailed:
		jobErr := JobError{Message: "job failed"}
		if job.Error != nil {
			jobErr = *job.Error
		}
		events = append(events, ErrorEvent{JobID: job.ID, OwnerID: job.OwnerID, Error: jobErr})
	case JobStatusCancelled:
		events = append(events, CancelledEvent{JobID: job.ID, OwnerID: job.OwnerID})
	}
	return events
}
