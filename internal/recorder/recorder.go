// Package recorder exposes the write surface used by the agent runtime:
// start a trajectory, append steps, finalize. It owns the caller-mistake
// error taxonomy; no training logic lives here.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/store"
	"github.com/lalalune/babylon-train/internal/window"
)

var (
	// ErrInvalidAgent is returned when the agent id is not registered.
	ErrInvalidAgent = errors.New("unknown agent")
	// ErrClosedTrajectory is returned for writes after finalize.
	ErrClosedTrajectory = errors.New("trajectory already finalized")
	// ErrOutOfOrder is returned when a step violates index or timestamp order.
	ErrOutOfOrder = errors.New("step out of order")
)

type Recorder struct {
	store      store.Store
	windowSize time.Duration
}

func New(st store.Store, windowSize time.Duration) *Recorder {
	if windowSize <= 0 {
		windowSize = window.DefaultSize
	}
	return &Recorder{store: st, windowSize: windowSize}
}

// StartTrajectory opens a trajectory for a registered agent. The window id is
// derived from startTime once, here, and never changes afterwards.
func (r *Recorder) StartTrajectory(ctx context.Context, agentID string, startTime time.Time) (models.Trajectory, error) {
	if agentID == "" {
		return models.Trajectory{}, ErrInvalidAgent
	}
	known, err := r.store.AgentExists(ctx, agentID)
	if err != nil {
		return models.Trajectory{}, fmt.Errorf("check agent: %w", err)
	}
	if !known {
		return models.Trajectory{}, fmt.Errorf("%w: %s", ErrInvalidAgent, agentID)
	}
	if startTime.IsZero() {
		startTime = time.Now().UTC()
	}
	traj, err := r.store.CreateTrajectory(ctx, store.TrajectoryInput{
		AgentID:   agentID,
		WindowID:  window.Resolve(startTime, r.windowSize),
		StartTime: startTime.UTC(),
	})
	if err != nil {
		return models.Trajectory{}, fmt.Errorf("create trajectory: %w", err)
	}
	return traj, nil
}

// RecordStep appends one step, enforcing strictly increasing indexes and
// non-decreasing timestamps.
func (r *Recorder) RecordStep(ctx context.Context, trajectoryID uuid.UUID, step models.TrajectoryStep) (models.Trajectory, error) {
	traj, err := r.store.GetTrajectory(ctx, trajectoryID)
	if err != nil {
		return models.Trajectory{}, fmt.Errorf("get trajectory: %w", err)
	}
	if traj.Status == models.TrajectoryFinalized {
		return models.Trajectory{}, fmt.Errorf("%w: %s", ErrClosedTrajectory, trajectoryID)
	}
	if len(traj.Steps) > 0 {
		last := traj.Steps[len(traj.Steps)-1]
		if step.Index <= last.Index {
			return models.Trajectory{}, fmt.Errorf("%w: index %d after %d", ErrOutOfOrder, step.Index, last.Index)
		}
		if step.Timestamp.Before(last.Timestamp) {
			return models.Trajectory{}, fmt.Errorf("%w: timestamp %s before %s", ErrOutOfOrder, step.Timestamp.Format(time.RFC3339), last.Timestamp.Format(time.RFC3339))
		}
	}
	updated, err := r.store.AppendStep(ctx, trajectoryID, step)
	if err != nil {
		// The store re-checks under its own write guard; a concurrent
		// finalize or duplicate surfaces here even when the read above
		// saw an open, in-order trajectory.
		switch {
		case errors.Is(err, store.ErrClosed):
			return models.Trajectory{}, fmt.Errorf("%w: %s", ErrClosedTrajectory, trajectoryID)
		case errors.Is(err, store.ErrStaleStep):
			return models.Trajectory{}, fmt.Errorf("%w: index %d", ErrOutOfOrder, step.Index)
		}
		return models.Trajectory{}, fmt.Errorf("append step: %w", err)
	}
	return updated, nil
}

// Finalize closes a trajectory, computing the validity flag. Calling it again
// is a no-op that returns the already-stored state, so at-least-once delivery
// from the agent runtime is safe.
func (r *Recorder) Finalize(ctx context.Context, trajectoryID uuid.UUID, finalReward float64) (models.Trajectory, error) {
	traj, err := r.store.GetTrajectory(ctx, trajectoryID)
	if err != nil {
		return models.Trajectory{}, fmt.Errorf("get trajectory: %w", err)
	}
	if traj.Status == models.TrajectoryFinalized {
		return traj, nil
	}
	endTime := traj.StartTime
	finalPnL := 0.0
	if n := len(traj.Steps); n > 0 {
		endTime = traj.Steps[n-1].Timestamp
		finalPnL = traj.Steps[n-1].EnvironmentState.AgentPnL
	}
	valid := traj.ComputeValid()
	finalized, err := r.store.FinalizeTrajectory(ctx, trajectoryID, store.FinalizeInput{
		TotalReward: finalReward,
		FinalPnL:    finalPnL,
		EndTime:     endTime,
		Valid:       valid,
	})
	if err != nil {
		return models.Trajectory{}, fmt.Errorf("finalize trajectory: %w", err)
	}
	return finalized, nil
}
