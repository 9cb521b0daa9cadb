package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/jobsync/internal/auth"
	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/pkg/types"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []*types.Job
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, job *types.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

type testGateway struct {
	store      *jobs.Store
	submitter  *jobs.Submitter
	dispatcher *fakeDispatcher
	jwt        *auth.JWT
	server     *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	g := &testGateway{
		store:      jobs.NewStore(),
		dispatcher: &fakeDispatcher{},
		jwt:        auth.NewJWT("test-secret", time.Hour),
	}
	g.submitter = jobs.NewSubmitter(g.store, g.dispatcher, nil)
	g.server = httptest.NewServer(NewRouter(NewHandler(g.store, g.submitter), RouterConfig{
		JWT:     g.jwt,
		Metrics: metrics.NewMetrics("test"),
	}))
	t.Cleanup(func() {
		g.server.Close()
		g.submitter.Wait()
	})
	return g
}

func (g *testGateway) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	token, err := g.jwt.Sign(subject, role)
	require.NoError(t, err)
	return token
}

func (g *testGateway) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, g.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (g *testGateway) createJob(t *testing.T, owner string) *types.Job {
	t.Helper()
	job := &types.Job{OwnerID: owner, Kind: types.JobKindGeneration}
	require.NoError(t, g.store.Create(job))
	return job
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHandleSubmit(t *testing.T) {
	g := newTestGateway(t)
	user := g.token(t, "u1", auth.RoleUser)
	service := g.token(t, "svc", auth.RoleService)

	tests := []struct {
		name       string
		token      string
		body       map[string]any
		wantStatus int
		wantOwner  string
	}{
		{
			name:       "owner defaults to subject",
			token:      user,
			body:       map[string]any{"kind": "chat", "params": map[string]string{"prompt": "hi"}},
			wantStatus: http.StatusCreated,
			wantOwner:  "u1",
		},
		{
			name:       "user cannot submit for another owner",
			token:      user,
			body:       map[string]any{"kind": "chat", "ownerId": "u2"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "service submits for any owner",
			token:      service,
			body:       map[string]any{"kind": "deployment", "ownerId": "u2"},
			wantStatus: http.StatusCreated,
			wantOwner:  "u2",
		},
		{
			name:       "kind is required",
			token:      user,
			body:       map[string]any{"params": map[string]string{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing token",
			body:       map[string]any{"kind": "chat"},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.do(t, http.MethodPost, "/jobs", tt.token, tt.body)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusCreated {
				return
			}

			id := decode[map[string]string](t, resp)["id"]
			require.NotEmpty(t, id)

			job, err := g.store.Get(id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, job.OwnerID)
			assert.Equal(t, types.JobStatusPending, job.Status)
		})
	}

	g.submitter.Wait()
	assert.Equal(t, 2, g.dispatcher.count())
}

func TestHandleJobStatus(t *testing.T) {
	g := newTestGateway(t)
	mine := g.createJob(t, "u1")
	theirs := g.createJob(t, "u2")
	user := g.token(t, "u1", auth.RoleUser)

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"own job", mine.ID, http.StatusOK},
		{"other owner's job looks missing", theirs.ID, http.StatusNotFound},
		{"unknown job", "nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.do(t, http.MethodGet, "/jobs/"+tt.id, user, nil)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusOK {
				job := decode[types.Job](t, resp)
				assert.Equal(t, mine.ID, job.ID)
				assert.Equal(t, "u1", job.OwnerID)
			}
		})
	}
}

func TestHandleList(t *testing.T) {
	g := newTestGateway(t)
	first := g.createJob(t, "u1")
	g.createJob(t, "u1")
	g.createJob(t, "u2")
	require.NoError(t, g.store.Cancel(first.ID))

	user := g.token(t, "u1", auth.RoleUser)

	resp := g.do(t, http.MethodGet, "/jobs", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Jobs        []*types.Job `json:"jobs"`
		ActiveCount int          `json:"activeCount"`
	}](t, resp)
	assert.Len(t, body.Jobs, 2)
	assert.Equal(t, 1, body.ActiveCount)

	resp = g.do(t, http.MethodGet, "/jobs?owner=u2", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = g.do(t, http.MethodGet, "/jobs?owner=u2", g.token(t, "svc", auth.RoleService), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleCancel(t *testing.T) {
	g := newTestGateway(t)
	user := g.token(t, "u1", auth.RoleUser)

	job := g.createJob(t, "u1")
	resp := g.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := g.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, stored.Status)

	done := g.createJob(t, "u1")
	require.NoError(t, g.store.Update(types.JobUpdate{JobID: done.ID, Status: types.JobStatusCompleted}))
	resp = g.do(t, http.MethodPost, "/jobs/"+done.ID+"/cancel", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err = g.store.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, stored.Status)
}

func TestHandleRetry(t *testing.T) {
	g := newTestGateway(t)
	user := g.token(t, "u1", auth.RoleUser)

	failed := g.createJob(t, "u1")
	require.NoError(t, g.store.Update(types.JobUpdate{JobID: failed.ID, Status: types.JobStatusFailed}))

	resp := g.do(t, http.MethodPost, "/jobs/"+failed.ID+"/retry", user, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, failed.ID, body["retryOf"])

	retry, err := g.store.Get(body["id"])
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retry.RetryOf)
	g.submitter.Wait()
	assert.Equal(t, 1, g.dispatcher.count())

	running := g.createJob(t, "u1")
	resp = g.do(t, http.MethodPost, "/jobs/"+running.ID+"/retry", user, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleProgress(t *testing.T) {
	g := newTestGateway(t)
	service := g.token(t, "producer", auth.RoleService)
	job := g.createJob(t, "u1")

	resp := g.do(t, http.MethodPost, "/jobs/"+job.ID+"/progress", g.token(t, "u1", auth.RoleUser), map[string]any{"progress": 10})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = g.do(t, http.MethodPost, "/jobs/"+job.ID+"/progress", service, types.ProgressReport{
		Progress: intPtr(40),
		Producer: "generator",
		Phase:    "render",
		Message:  "Rendering page 2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := g.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, stored.Status)
	assert.Equal(t, 40, stored.Progress)
	require.Len(t, stored.ProgressLog, 1)
	assert.Equal(t, "Rendering page 2", stored.ProgressLog[0].Message)
	assert.Equal(t, 40, stored.ProgressLog[0].Percent)

	resp = g.do(t, http.MethodPost, "/jobs/missing/progress", service, types.ProgressReport{Producer: "generator"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, g.store.Cancel(job.ID))
	resp = g.do(t, http.MethodPost, "/jobs/"+job.ID+"/progress", service, types.ProgressReport{Producer: "generator", Message: "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleFinal(t *testing.T) {
	g := newTestGateway(t)
	service := g.token(t, "producer", auth.RoleService)

	tests := []struct {
		name       string
		report     types.FinalReport
		wantStatus int
		wantJob    types.JobStatus
	}{
		{
			name:       "completed with result",
			report:     types.FinalReport{Status: types.JobStatusCompleted, Result: json.RawMessage(`{"url":"https://x"}`)},
			wantStatus: http.StatusOK,
			wantJob:    types.JobStatusCompleted,
		},
		{
			name:       "failed with error",
			report:     types.FinalReport{Status: types.JobStatusFailed, Error: "boom", Producer: "builder"},
			wantStatus: http.StatusOK,
			wantJob:    types.JobStatusFailed,
		},
		{
			name:       "cancelled is not a final report",
			report:     types.FinalReport{Status: types.JobStatusCancelled},
			wantStatus: http.StatusBadRequest,
			wantJob:    types.JobStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := g.createJob(t, "u1")
			resp := g.do(t, http.MethodPost, "/jobs/"+job.ID+"/final", service, tt.report)
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			stored, err := g.store.Get(job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJob, stored.Status)
			if tt.wantJob == types.JobStatusFailed {
				require.NotNil(t, stored.Error)
				assert.Equal(t, "boom", stored.Error.Message)
				assert.Equal(t, "builder", stored.Error.Producer)
			}
		})
	}

	t.Run("second final is rejected", func(t *testing.T) {
		job := g.createJob(t, "u1")
		done := types.FinalReport{Status: types.JobStatusCompleted}
		require.Equal(t, http.StatusOK, g.do(t, http.MethodPost, "/jobs/"+job.ID+"/final", service, done).StatusCode)
		assert.Equal(t, http.StatusConflict, g.do(t, http.MethodPost, "/jobs/"+job.ID+"/final", service, done).StatusCode)
	})
}

func TestHandleJobStream(t *testing.T) {
	g := newTestGateway(t)
	job := g.createJob(t, "u1")

	req, err := http.NewRequest(http.MethodGet, g.server.URL+"/jobs/"+job.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+g.token(t, "u1", auth.RoleUser))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan [2]string, 8)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{event, strings.TrimPrefix(line, "data: ")}
			}
		}
	}()

	next := func() [2]string {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream event")
			return [2]string{}
		}
	}

	first := next()
	require.Equal(t, "job", first[0])
	var snapshot types.Job
	require.NoError(t, json.Unmarshal([]byte(first[1]), &snapshot))
	assert.Equal(t, types.JobStatusPending, snapshot.Status)

	require.NoError(t, g.store.UpdateProgress(types.JobUpdate{JobID: job.ID, Progress: intPtr(50)}))
	require.NoError(t, g.store.Update(types.JobUpdate{JobID: job.ID, Status: types.JobStatusCompleted}))

	progress := next()
	assert.Equal(t, "update", progress[0])

	final := next()
	require.Equal(t, "update", final[0])
	var update types.JobUpdate
	require.NoError(t, json.Unmarshal([]byte(final[1]), &update))
	assert.Equal(t, types.JobStatusCompleted, update.Status)

	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should end after a terminal update")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after terminal update")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	g := newTestGateway(t)

	resp := g.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = g.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func intPtr(i int) *int {
	return &i
}
