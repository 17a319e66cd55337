package backend

import (
	"context"
	"fmt"
	"sync"
)

// FakeBackend is an in-memory Client for tests and local runs. By default a
// submitted job completes on the next Status call; tests can script failures
// or extra pending polls.
type FakeBackend struct {
	mu sync.Mutex

	// FailSubmissions makes Submit return an error.
	FailSubmissions bool
	// FailJobs makes every job end in JobFailed.
	FailJobs bool
	// PendingPolls is how many Status calls report JobRunning before the
	// terminal state.
	PendingPolls int

	next      int
	jobs      map[string]*fakeJob
	Submitted []BatchSpec
}

type fakeJob struct {
	spec      BatchSpec
	polls     int
	cancelled bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{jobs: map[string]*fakeJob{}}
}

func (f *FakeBackend) Submit(ctx context.Context, spec BatchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSubmissions {
		return "", fmt.Errorf("submit rejected")
	}
	f.next++
	jobID := fmt.Sprintf("job-%d", f.next)
	f.jobs[jobID] = &fakeJob{spec: spec}
	f.Submitted = append(f.Submitted, spec)
	return jobID, nil
}

func (f *FakeBackend) Status(ctx context.Context, jobID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return JobStatus{}, fmt.Errorf("unknown job %s", jobID)
	}
	if job.cancelled {
		return JobStatus{State: JobCancelled}, nil
	}
	if job.polls < f.PendingPolls {
		job.polls++
		return JobStatus{State: JobRunning}, nil
	}
	if f.FailJobs {
		return JobStatus{State: JobFailed, Error: "simulated failure"}, nil
	}
	return JobStatus{
		State:         JobCompleted,
		Metrics:       map[string]float64{"loss": 0.42},
		CheckpointRef: "ckpt://" + jobID,
		InferenceURL:  "https://inference.local/" + jobID,
	}, nil
}

func (f *FakeBackend) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	job.cancelled = true
	return nil
}
