package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/forgeline/jobsync/internal/api"
	"github.com/forgeline/jobsync/internal/hub"
	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/pkg/types"
)

// fixProducer completes fix jobs immediately with a one-file artifact set
type fixProducer struct {
	store *jobs.Store
}

func (p *fixProducer) Dispatch(ctx context.Context, job *types.Job) error {
	if job.Kind != types.JobKindFix {
		return nil
	}
	return p.store.Update(types.JobUpdate{
		JobID:  job.ID,
		Status: types.JobStatusCompleted,
		Result: json.RawMessage(`{"files":[{"path":"src/app.ts","content":"export const fixed = true\n"}]}`),
	})
}

type testGateway struct {
	store *jobs.Store
	url   string
}

// newTestGateway runs the gateway in-process without authentication
func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	store := jobs.NewStore()
	submitter := jobs.NewSubmitter(store, &fixProducer{store: store}, nil)
	pushHub := hub.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	bridge := hub.NewBridge(store, nil, pushHub)
	bridge.Start(ctx)

	server := httptest.NewServer(api.NewRouter(api.NewHandler(store, submitter), api.RouterConfig{
		Push: pushHub,
	}))
	t.Cleanup(func() {
		pushHub.Close()
		server.Close()
		cancel()
		<-bridge.Done()
		submitter.Wait()
	})

	t.Setenv("JOBSYNC_CONFIG_PATH", "")
	t.Setenv("JOBSYNC_PUSH_URL", "")
	t.Setenv("JOBSYNC_PUSH_TRANSPORT", "ws")
	t.Setenv("JOBSYNC_OWNER", "")
	t.Setenv("JOBSYNC_METRICS_ADDR", "")
	t.Setenv("JOBSYNC_CONNECT_BUDGET", "2s")
	t.Setenv("JOBSYNC_LOG_LEVEL", "ERROR")

	return &testGateway{store: store, url: server.URL}
}

func (g *testGateway) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	argv := append([]string{"jobsync", "--env", filepath.Join(t.TempDir(), "missing.env"), "--gateway", g.url}, args...)
	err := app.Run(ctx, argv)
	return out.String(), err
}

func (g *testGateway) createJob(t *testing.T, owner string) *types.Job {
	t.Helper()
	job := &types.Job{OwnerID: owner, Kind: types.JobKindGeneration}
	require.NoError(t, g.store.Create(job))
	return job
}

func TestWatch_CompletedJob(t *testing.T) {
	g := newTestGateway(t)
	job := g.createJob(t, "u1")

	percent := 50
	require.NoError(t, g.store.UpdateProgress(types.JobUpdate{
		JobID:    job.ID,
		Status:   types.JobStatusProcessing,
		Progress: &percent,
		Entry:    &types.ProgressEntry{Timestamp: time.Now(), Producer: "generator", Phase: "render", Message: "half way", Percent: 50},
	}))
	require.NoError(t, g.store.Update(types.JobUpdate{
		JobID:  job.ID,
		Status: types.JobStatusCompleted,
		Result: json.RawMessage(`{"pages":3}`),
	}))

	out, err := g.run(t, "watch", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "[render] half way")
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, `{"pages":3}`)
}

func TestWatch_FailedJob(t *testing.T) {
	g := newTestGateway(t)
	job := g.createJob(t, "u1")
	require.NoError(t, g.store.Update(types.JobUpdate{
		JobID:  job.ID,
		Status: types.JobStatusFailed,
		Error:  &types.JobError{Message: "out of credits", Producer: "generator"},
	}))

	out, err := g.run(t, "watch", job.ID)
	require.Error(t, err)
	assert.Contains(t, out, "out of credits")

	var exitErr cli.ExitCoder
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
}

func TestCancelAndRetry(t *testing.T) {
	g := newTestGateway(t)

	pending := g.createJob(t, "u1")
	out, err := g.run(t, "cancel", pending.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancellation requested for "+pending.ID)

	got, err := g.store.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)

	failed := g.createJob(t, "u1")
	require.NoError(t, g.store.Update(types.JobUpdate{JobID: failed.ID, Status: types.JobStatusFailed}))

	out, err = g.run(t, "retry", failed.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Retrying "+failed.ID+" as ")

	list, err := g.store.List("u1")
	require.NoError(t, err)
	var derived int
	for _, j := range list {
		if j.RetryOf == failed.ID {
			derived++
		}
	}
	assert.Equal(t, 1, derived)

	_, err = g.run(t, "retry", pending.ID)
	assert.Error(t, err, "cancelled jobs are not retryable")
}

func TestJobs(t *testing.T) {
	g := newTestGateway(t)
	active := g.createJob(t, "u1")
	done := g.createJob(t, "u1")
	require.NoError(t, g.store.Update(types.JobUpdate{JobID: done.ID, Status: types.JobStatusCompleted}))
	g.createJob(t, "someone-else")

	out, err := g.run(t, "jobs", "--owner", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, active.ID)
	assert.Contains(t, out, done.ID)
	assert.Contains(t, out, "1 active of 2")

	t.Setenv("JOBSYNC_OWNER", "nobody")
	out, err = g.run(t, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs")
}

func TestReport(t *testing.T) {
	g := newTestGateway(t)
	job := g.createJob(t, "u1")

	_, err := g.run(t, "report", job.ID, "--progress", "40", "--phase", "build", "-m", "compiling")
	require.NoError(t, err)

	got, err := g.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, got.Status)
	assert.Equal(t, 40, got.Progress)
	require.Len(t, got.ProgressLog, 1)
	assert.Equal(t, "compiling", got.ProgressLog[0].Message)
	assert.Equal(t, "jobsync-cli", got.ProgressLog[0].Producer)

	out, err := g.run(t, "report", job.ID, "--final", "completed", "--result", `{"url":"https://preview"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Reported completed for "+job.ID)

	got, err = g.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"url":"https://preview"}`, string(got.Result))

	_, err = g.run(t, "report", job.ID, "--final", "cancelled")
	assert.Error(t, err)
	_, err = g.run(t, "report", job.ID, "--final", "completed", "--result", "not json")
	assert.Error(t, err)
	_, err = g.run(t, "report", job.ID)
	assert.Error(t, err, "empty report")
}

func TestRemediate(t *testing.T) {
	g := newTestGateway(t)

	batch := []types.EnvError{
		{Type: "compile", Message: "Cannot find name 'fixed'", File: "src/app.ts", Line: 3, Column: 7},
	}
	payload, err := json.Marshal(batch)
	require.NoError(t, err)
	errorsFile := filepath.Join(t.TempDir(), "errors.json")
	require.NoError(t, os.WriteFile(errorsFile, payload, 0o600))
	applyDir := t.TempDir()

	out, err := g.run(t, "remediate", errorsFile, "--owner", "u1", "--debounce", "10ms", "--apply-dir", applyDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Submitting fix for 1 errors")
	assert.Contains(t, out, "Applied fix")

	content, err := os.ReadFile(filepath.Join(applyDir, "src", "app.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const fixed = true\n", string(content))

	list, err := g.store.List("u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.JobKindFix, list[0].Kind)
	assert.Contains(t, string(list[0].Params), "Cannot find name")
}

func TestRemediate_EmptyBatch(t *testing.T) {
	g := newTestGateway(t)

	errorsFile := filepath.Join(t.TempDir(), "errors.json")
	require.NoError(t, os.WriteFile(errorsFile, []byte("[]"), 0o600))

	out, err := g.run(t, "remediate", errorsFile, "--owner", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "No fix submitted: resolved")

	list, err := g.store.List("u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
