package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/forgeline/jobsync/pkg/types"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, job *types.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job.ID)
	return d.err
}

func TestSubmitter_DispatchesCreatedJob(t *testing.T) {
	store := NewStore()
	d := &recordingDispatcher{}
	s := NewSubmitter(store, d, nil)

	job := &types.Job{OwnerID: "owner-1", Kind: types.JobKindChat}
	if err := s.Submit(job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	s.Wait()

	if job.ID == "" {
		t.Fatal("Submit did not assign an id")
	}
	if len(d.jobs) != 1 || d.jobs[0] != job.ID {
		t.Errorf("dispatched = %v, want [%s]", d.jobs, job.ID)
	}

	stored, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != types.JobStatusPending {
		t.Errorf("Status = %v, want pending", stored.Status)
	}
}

func TestSubmitter_DispatchFailureFailsJob(t *testing.T) {
	store := NewStore()
	s := NewSubmitter(store, &recordingDispatcher{err: errors.New("broker down")}, nil)

	job := &types.Job{OwnerID: "owner-1", Kind: types.JobKindChat}
	if err := s.Submit(job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	s.Wait()

	stored, _ := store.Get(job.ID)
	if stored.Status != types.JobStatusFailed {
		t.Fatalf("Status = %v, want failed", stored.Status)
	}
	if stored.Error == nil || stored.Error.Producer != "gateway" {
		t.Errorf("Error = %+v, want gateway producer error", stored.Error)
	}
}

func TestSubmitter_RejectsJobWithoutOwner(t *testing.T) {
	d := &recordingDispatcher{}
	s := NewSubmitter(NewStore(), d, nil)

	if err := s.Submit(&types.Job{Kind: types.JobKindChat}); err == nil {
		t.Fatal("expected error for ownerless job")
	}
	s.Wait()
	if len(d.jobs) != 0 {
		t.Errorf("dispatched = %v, want none", d.jobs)
	}
}

func TestSubmitter_RetryDispatchesDerivedJob(t *testing.T) {
	store := NewStore()
	d := &recordingDispatcher{}
	s := NewSubmitter(store, d, nil)

	original := newTestJob(t, store, "failed-1")
	if err := store.Update(types.JobUpdate{JobID: original.ID, Status: types.JobStatusFailed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	retry, err := s.Retry(original.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	s.Wait()

	if retry.RetryOf != original.ID {
		t.Errorf("RetryOf = %q, want %q", retry.RetryOf, original.ID)
	}
	if len(d.jobs) != 1 || d.jobs[0] != retry.ID {
		t.Errorf("dispatched = %v, want [%s]", d.jobs, retry.ID)
	}

	if _, err := s.Retry("missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Retry(missing) error = %v, want not found", err)
	}
}

func TestSubmitter_NilDispatcherLeavesJobPending(t *testing.T) {
	store := NewStore()
	s := NewSubmitter(store, nil, nil)

	job := &types.Job{OwnerID: "owner-1"}
	if err := s.Submit(job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	s.Wait()

	if !store.IsActive(job.ID) {
		t.Error("job should stay active without a dispatcher")
	}
}
