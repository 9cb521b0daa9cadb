package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/forgeline/jobsync/pkg/types"
)

const waitFor = 2 * time.Second

// scriptedStore replays responses in order and repeats the last one
type scriptedStore struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	job *types.Job
	err error
}

func (s *scriptedStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[i]
	if r.job != nil {
		return r.job.Clone(), r.err
	}
	return nil, r.err
}

func (s *scriptedStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recorder struct {
	entries  chan []types.ProgressEntry
	terminal chan *types.Job
	failure  chan error
}

func newRecorder() *recorder {
	return &recorder{
		entries:  make(chan []types.ProgressEntry, 10),
		terminal: make(chan *types.Job, 10),
		failure:  make(chan error, 10),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnEntries:  func(_ *types.Job, e []types.ProgressEntry) { r.entries <- e },
		OnTerminal: func(j *types.Job) { r.terminal <- j },
		OnFailure:  func(err error) { r.failure <- err },
	}
}

func entry(msg string) types.ProgressEntry {
	return types.ProgressEntry{Timestamp: time.Unix(0, 0).UTC(), Producer: "worker", Message: msg}
}

func job(status types.JobStatus, entries ...types.ProgressEntry) *types.Job {
	return &types.Job{ID: "job-1", OwnerID: "u1", Status: status, ProgressLog: entries}
}

func advance(t *testing.T, fc *testingclock.FakeClock, d time.Duration) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, waitFor, time.Millisecond)
	fc.Step(d)
}

func TestPoller_ImmediateTerminalRead(t *testing.T) {
	store := &scriptedStore{responses: []response{{job: job(types.JobStatusCompleted)}}}
	rec := newRecorder()
	p := New(store, "job-1", Foreground(), rec.callbacks(), WithClock(testingclock.NewFakeClock(time.Now())))

	p.Start(context.Background())

	select {
	case j := <-rec.terminal:
		assert.Equal(t, types.JobStatusCompleted, j.Status)
	case <-time.After(waitFor):
		t.Fatal("terminal not reported")
	}
	<-p.Done()
	assert.Equal(t, 1, store.Calls())
	assert.Len(t, rec.terminal, 0)
}

func TestPoller_EmitsOnlyNewEntries(t *testing.T) {
	a, b, c := entry("a"), entry("b"), entry("c")
	store := &scriptedStore{responses: []response{
		{job: job(types.JobStatusProcessing, a)},
		{job: job(types.JobStatusProcessing, a)},
		{job: job(types.JobStatusProcessing, a, b, c)},
		{job: job(types.JobStatusFailed, a, b, c)},
	}}
	rec := newRecorder()
	fc := testingclock.NewFakeClock(time.Now())
	cfg := Config{Interval: time.Second, MaxAttempts: 10}
	p := New(store, "job-1", cfg, rec.callbacks(), WithClock(fc))

	p.Start(context.Background())
	defer p.Stop()

	assert.Equal(t, []types.ProgressEntry{a}, <-rec.entries)
	advance(t, fc, time.Second)
	advance(t, fc, time.Second)
	assert.Equal(t, []types.ProgressEntry{b, c}, <-rec.entries)
	advance(t, fc, time.Second)

	select {
	case j := <-rec.terminal:
		assert.Equal(t, types.JobStatusFailed, j.Status)
	case <-time.After(waitFor):
		t.Fatal("terminal not reported")
	}
	assert.Len(t, rec.entries, 0)
	assert.Equal(t, 4, store.Calls())
}

func TestPoller_NotFoundGrace(t *testing.T) {
	tests := []struct {
		name      string
		responses []response
		wantCalls int
		wantErr   error
	}{
		{
			name:      "exceeds grace",
			responses: []response{{err: &types.NotFoundError{JobID: "job-1"}}},
			wantCalls: 3,
			wantErr:   types.ErrNotFound,
		},
		{
			name: "appears within grace",
			responses: []response{
				{err: &types.NotFoundError{JobID: "job-1"}},
				{err: &types.NotFoundError{JobID: "job-1"}},
				{job: job(types.JobStatusCompleted)},
			},
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &scriptedStore{responses: tt.responses}
			rec := newRecorder()
			fc := testingclock.NewFakeClock(time.Now())
			p := New(store, "job-1", Config{Interval: time.Second, MaxAttempts: 10, NotFoundGrace: 2}, rec.callbacks(), WithClock(fc))

			p.Start(context.Background())
			defer p.Stop()

			advance(t, fc, time.Second)
			advance(t, fc, time.Second)
			<-p.Done()

			assert.Equal(t, tt.wantCalls, store.Calls())
			if tt.wantErr != nil {
				require.Len(t, rec.failure, 1)
				err := <-rec.failure
				assert.True(t, errors.Is(err, tt.wantErr))
				var nf *types.NotFoundError
				assert.True(t, errors.As(err, &nf))
				assert.Len(t, rec.terminal, 0)
			} else {
				assert.Len(t, rec.failure, 0)
				assert.Len(t, rec.terminal, 1)
			}
		})
	}
}

func TestPoller_AttemptBudget(t *testing.T) {
	store := &scriptedStore{responses: []response{
		{err: errors.New("connection reset")},
		{job: job(types.JobStatusProcessing)},
	}}
	rec := newRecorder()
	fc := testingclock.NewFakeClock(time.Now())
	p := New(store, "job-1", Config{Interval: time.Second, MaxAttempts: 3}, rec.callbacks(), WithClock(fc))

	p.Start(context.Background())
	defer p.Stop()

	advance(t, fc, time.Second)
	advance(t, fc, time.Second)

	select {
	case err := <-rec.failure:
		var te *types.TimeoutError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, 3, te.Attempts)
		assert.True(t, errors.Is(err, types.ErrPollTimeout))
	case <-time.After(waitFor):
		t.Fatal("timeout not reported")
	}
	assert.Equal(t, 3, store.Calls())
}

func TestPoller_StopHaltsLoop(t *testing.T) {
	store := &scriptedStore{responses: []response{{job: job(types.JobStatusProcessing)}}}
	rec := newRecorder()
	fc := testingclock.NewFakeClock(time.Now())
	p := New(store, "job-1", Foreground(), rec.callbacks(), WithClock(fc))

	p.Start(context.Background())
	require.Eventually(t, fc.HasWaiters, waitFor, time.Millisecond)

	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	default:
		t.Fatal("loop still running after Stop")
	}
	fc.Step(time.Minute)
	assert.Equal(t, 1, store.Calls())
	assert.Len(t, rec.terminal, 0)
	assert.Len(t, rec.failure, 0)
}

func TestPoller_StopBeforeStart(t *testing.T) {
	store := &scriptedStore{responses: []response{{job: job(types.JobStatusCompleted)}}}
	rec := newRecorder()
	p := New(store, "job-1", Foreground(), rec.callbacks())

	p.Stop()
	p.Start(context.Background())

	<-p.Done()
	assert.Equal(t, 0, store.Calls())
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, Foreground().Interval)
	assert.Equal(t, 240, Foreground().MaxAttempts)
	assert.Equal(t, 3*time.Second, Background().Interval)
	assert.Equal(t, 200, Background().MaxAttempts)
}
