package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		want    Event
		wantErr bool
	}{
		{
			name: "progress",
			env:  Envelope{Type: EventJobProgress, Data: json.RawMessage(`{"jobId":"j1","ownerId":"u1","status":"processing","progress":10}`)},
			want: ProgressEvent{JobID: "j1", OwnerID: "u1", Status: JobStatusProcessing, Progress: 10},
		},
		{
			name: "complete",
			env:  Envelope{Type: EventJobComplete, Data: json.RawMessage(`{"jobId":"j1","ownerId":"u1","result":{"files":1}}`)},
			want: CompleteEvent{JobID: "j1", OwnerID: "u1", Result: json.RawMessage(`{"files":1}`)},
		},
		{
			name: "error",
			env:  Envelope{Type: EventJobError, Data: json.RawMessage(`{"jobId":"j1","ownerId":"u1","error":{"message":"boom","producer":"coder"}}`)},
			want: ErrorEvent{JobID: "j1", OwnerID: "u1", Error: JobError{Message: "boom", Producer: "coder"}},
		},
		{
			name: "list update",
			env:  Envelope{Type: EventListUpdate, Data: json.RawMessage(`{"ownerId":"u1","jobs":[],"activeCount":0}`)},
			want: ListUpdateEvent{OwnerID: "u1", Jobs: []*Job{}},
		},
		{
			name:    "missing job id",
			env:     Envelope{Type: EventJobComplete, Data: json.RawMessage(`{"ownerId":"u1"}`)},
			wantErr: true,
		},
		{
			name:    "missing owner id",
			env:     Envelope{Type: EventJobCancelled, Data: json.RawMessage(`{"jobId":"j1"}`)},
			wantErr: true,
		},
		{
			name:    "unknown tag",
			env:     Envelope{Type: "job:teleported", Data: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "malformed payload",
			env:     Envelope{Type: EventJobProgress, Data: json.RawMessage(`[1,2]`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent(tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventsForUpdate(t *testing.T) {
	job := &Job{ID: "j1", OwnerID: "u1", Status: JobStatusCompleted, Progress: 100, Result: json.RawMessage(`"ok"`)}
	entry := &ProgressEntry{Timestamp: time.Unix(10, 0), Producer: "coder", Phase: "write", Message: "done"}

	events := EventsForUpdate(job, JobUpdate{JobID: "j1", Status: JobStatusCompleted, Entry: entry})
	require.Len(t, events, 2)
	assert.Equal(t, EventJobProgress, events[0].Type())
	assert.Equal(t, CompleteEvent{JobID: "j1", OwnerID: "u1", Result: json.RawMessage(`"ok"`)}, events[1])

	job.Status = JobStatusFailed
	job.Error = &JobError{Message: "bad"}
	events = EventsForUpdate(job, JobUpdate{JobID: "j1", Status: JobStatusFailed})
	require.Len(t, events, 1)
	assert.Equal(t, ErrorEvent{JobID: "j1", OwnerID: "u1", Error: JobError{Message: "bad"}}, events[0])
}

func TestProgressEntryKey(t *testing.T) {
	ts := time.Unix(100, 5)
	a := ProgressEntry{Timestamp: ts, Producer: "p", Phase: "x", Message: "m"}
	b := a
	assert.Equal(t, a.Key(), b.Key())

	b.Message = "other"
	assert.NotEqual(t, a.Key(), b.Key())

	// a database round trip keeps microseconds only
	c := a
	c.Timestamp = time.Unix(100, 647386475)
	d := c
	d.Timestamp = StoreTime(c.Timestamp).Local()
	assert.Equal(t, c.Key(), d.Key())
	assert.Equal(t, 0, StoreTime(c.Timestamp).Nanosecond()%1000)
	assert.Equal(t, time.UTC, StoreTime(c.Timestamp).Location())
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(&NotFoundError{JobID: "j"}, ErrNotFound))
	assert.True(t, errors.Is(&TimeoutError{JobID: "j", Attempts: 3}, ErrPollTimeout))
	assert.True(t, errors.Is(&CancelledError{JobID: "j"}, ErrCancelled))
	assert.True(t, errors.Is(&ConnectionError{Err: errors.New("dial")}, ErrChannelUnavailable))

	var perr *ProducerError
	err := error(&ProducerError{JobID: "j", Message: "compile failed", Producer: "builder"})
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "job j failed in builder: compile failed", err.Error())
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}
