// Package backend is the contract with the external training service. The
// pipeline submits a batch, polls status, and stores the checkpoint reference
// verbatim; it never interprets checkpoints or inference descriptors.
package backend

import (
	"context"
	"errors"

	"github.com/lalalune/babylon-train/internal/converter"
)

// Job states reported by the training backend.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

var (
	ErrTrainingFailed  = errors.New("training job failed")
	ErrTrainingTimeout = errors.New("training job timed out")
)

// BatchSpec is what the backend needs to run one GRPO iteration.
type BatchSpec struct {
	BatchID   string                 `json:"batchId"`
	LineageID string                 `json:"lineageId"`
	BaseModel string                 `json:"baseModel"`
	Groups    []converter.GroupInput `json:"groups"`
}

// JobStatus is the backend's view of a submitted job. CheckpointRef and
// InferenceURL are opaque; they are stored and served as-is.
type JobStatus struct {
	State         string             `json:"state"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	CheckpointRef string             `json:"checkpointRef,omitempty"`
	InferenceURL  string             `json:"inferenceUrl,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Terminal reports whether a state ends the job.
func Terminal(state string) bool {
	return state == JobCompleted || state == JobFailed || state == JobCancelled
}

type Client interface {
	Submit(ctx context.Context, spec BatchSpec) (string, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
}
