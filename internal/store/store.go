// Package store persists trajectories, window outcomes, training batches and
// model versions. Store is the only seam between the pipeline and its
// database; PGStore is the production implementation and MemoryStore backs
// tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalalune/babylon-train/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrVersionExists = errors.New("model version already exists")
	// ErrClosed reports a step write against a finalized trajectory.
	ErrClosed = errors.New("trajectory closed")
	// ErrStaleStep reports a step whose index does not advance the
	// trajectory's last stored index.
	ErrStaleStep = errors.New("step index not increasing")
)

type Store interface {
	RegisterAgent(ctx context.Context, id, name string) error
	AgentExists(ctx context.Context, id string) (bool, error)

	CreateTrajectory(ctx context.Context, in TrajectoryInput) (models.Trajectory, error)
	GetTrajectory(ctx context.Context, id uuid.UUID) (models.Trajectory, error)
	// AppendStep writes a step only while the trajectory is open and the
	// step's index advances the stored sequence (ErrClosed / ErrStaleStep
	// otherwise), so concurrent writers cannot interleave a violation.
	AppendStep(ctx context.Context, id uuid.UUID, step models.TrajectoryStep) (models.Trajectory, error)
	FinalizeTrajectory(ctx context.Context, id uuid.UUID, in FinalizeInput) (models.Trajectory, error)
	ListTrajectoriesByWindow(ctx context.Context, windowID string) ([]models.Trajectory, error)

	// ListWindowIDs returns window ids seen since the cutoff with at least
	// minAgents distinct agents, newest first.
	ListWindowIDs(ctx context.Context, since time.Time, minAgents int) ([]string, error)
	CountEligibleTrajectories(ctx context.Context, since time.Time, reuseCap int) (int, error)
	WindowStats(ctx context.Context, windowID string) (models.WindowStatistics, error)

	// ClaimTrajectories atomically moves unclaimed, finalized trajectories to
	// "claimed by batch". It returns the ids actually claimed; ids already
	// claimed by another batch are silently skipped.
	ClaimTrajectories(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]uuid.UUID, error)
	ReleaseClaims(ctx context.Context, batchID uuid.UUID) error
	// CommitClaims finalizes a successful batch: every trajectory claimed by
	// it gets its reuse count incremented and the claim cleared.
	CommitClaims(ctx context.Context, batchID uuid.UUID) error

	UpsertOutcome(ctx context.Context, outcome models.WindowOutcome) error
	GetOutcome(ctx context.Context, windowID string) (models.WindowOutcome, error)

	CreateBatch(ctx context.Context, batch models.TrainingBatch) (models.TrainingBatch, error)
	GetBatch(ctx context.Context, id uuid.UUID) (models.TrainingBatch, error)
	UpdateBatch(ctx context.Context, in BatchUpdate) (models.TrainingBatch, error)
	LatestBatch(ctx context.Context, lineageID string) (models.TrainingBatch, error)
	// ListBatches returns a lineage's batches newest first; limit <= 0 means all.
	ListBatches(ctx context.Context, lineageID string, limit int) ([]models.TrainingBatch, error)
	// ActiveBatch returns the pending or running batch for a lineage, if any.
	ActiveBatch(ctx context.Context, lineageID string) (models.TrainingBatch, error)

	CreateModelVersion(ctx context.Context, version models.ModelVersion) error
	LatestModelVersion(ctx context.Context, lineageID string) (models.ModelVersion, error)
	ListModelVersions(ctx context.Context, lineageID string) ([]models.ModelVersion, error)

	Ping(ctx context.Context) error
}

type TrajectoryInput struct {
	ID        uuid.UUID
	AgentID   string
	WindowID  string
	StartTime time.Time
}

type FinalizeInput struct {
	TotalReward float64
	FinalPnL    float64
	EndTime     time.Time
	Valid       bool
}

// BatchUpdate applies only its non-zero fields; Status is required.
type BatchUpdate struct {
	ID           uuid.UUID
	Status       string
	JobID        string
	ModelVersion string
	ErrorDetail  string
	SubmittedAt  *time.Time
	JudgeScores  []float64
}
