package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/reader"
	"github.com/lalalune/babylon-train/internal/store"
)

// Iteration states.
const (
	StateScanning   = "scanning"
	StateNotReady   = "not_ready"
	StateReady      = "ready"
	StateSubmitting = "submitting"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Readiness conditions reported to operators.
const (
	CondEligibleTrajectories = "eligibleTrajectories"
	CondScenarioGroups       = "scenarioGroups"
	CondAvgQuality           = "avgQuality"
	CondNoActiveBatch        = "noActiveBatch"
)

// Reason explains one failed (or passed) readiness condition.
type Reason struct {
	Condition string  `json:"condition"`
	Actual    float64 `json:"actual"`
	Required  float64 `json:"required"`
}

// Readiness is a structured status, never an error: "not enough data yet" is
// the routine outcome of most cycles and must stay distinguishable from
// "something is broken".
type Readiness struct {
	Ready   bool     `json:"ready"`
	Reasons []Reason `json:"reasons,omitempty"`
}

// CheckReadiness runs the scan phase only and reports whether a training
// iteration would proceed right now.
func (o *Orchestrator) CheckReadiness(ctx context.Context) (Readiness, error) {
	if blocked, reason := o.activeBatchReason(ctx); blocked {
		return Readiness{Ready: false, Reasons: []Reason{reason}}, nil
	}
	readiness, _, err := o.scan(ctx)
	return readiness, err
}

func (o *Orchestrator) activeBatchReason(ctx context.Context) (bool, Reason) {
	_, err := o.store.ActiveBatch(ctx, o.cfg.LineageID)
	if err == nil {
		return true, Reason{Condition: CondNoActiveBatch, Actual: 1, Required: 0}
	}
	return false, Reason{}
}

// scan enumerates candidate windows newest-first within the lookback period
// and builds one trainable group per window. Windows that cannot form a group
// are skipped; a window-local failure never fails the scan.
func (o *Orchestrator) scan(ctx context.Context) (Readiness, []*models.TrainingGroup, error) {
	since := time.Now().UTC().Add(-o.cfg.Lookback)
	eligible, err := o.store.CountEligibleTrajectories(ctx, since, o.cfg.ReuseCap)
	if err != nil {
		return Readiness{}, nil, fmt.Errorf("count eligible: %w", err)
	}

	candidates, err := o.reader.CandidateWindows(ctx, o.cfg.Lookback, o.cfg.MinGroupSize)
	if err != nil {
		return Readiness{}, nil, err
	}
	if o.cfg.MaxWindows > 0 && len(candidates) > o.cfg.MaxWindows {
		candidates = candidates[:o.cfg.MaxWindows]
	}

	var groups []*models.TrainingGroup
	qualitySum := 0.0
	for _, windowID := range candidates {
		group, err := o.reader.TrainableGroup(ctx, windowID)
		if err != nil {
			var insufficient *reader.InsufficientAgentsError
			if errors.As(err, &insufficient) {
				o.logger.Printf("window %s skipped: %v", windowID, err)
				continue
			}
			o.logger.Printf("window %s read failed: %v", windowID, err)
			continue
		}
		groups = append(groups, group)
		qualitySum += group.AvgQuality
	}

	avgQuality := 0.0
	if len(groups) > 0 {
		avgQuality = qualitySum / float64(len(groups))
	}

	readiness := Readiness{Ready: true}
	check := func(cond string, actual, required float64) {
		if actual < required {
			readiness.Ready = false
			readiness.Reasons = append(readiness.Reasons, Reason{Condition: cond, Actual: actual, Required: required})
		}
	}
	check(CondEligibleTrajectories, float64(eligible), float64(o.cfg.MinTrajectories))
	check(CondScenarioGroups, float64(len(groups)), float64(o.cfg.MinScenarioGroups))
	check(CondAvgQuality, avgQuality, o.cfg.MinAvgQuality)

	return readiness, groups, nil
}

// Status is the operator view of the latest iteration and lineage.
type Status struct {
	LineageID     string                `json:"lineageId"`
	LatestBatch   *models.TrainingBatch `json:"latestBatch,omitempty"`
	LatestVersion *models.ModelVersion  `json:"latestVersion,omitempty"`
}

func (o *Orchestrator) GetStatus(ctx context.Context) (Status, error) {
	status := Status{LineageID: o.cfg.LineageID}
	if batch, err := o.store.LatestBatch(ctx, o.cfg.LineageID); err == nil {
		status.LatestBatch = &batch
	} else if !errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("latest batch: %w", err)
	}
	if version, err := o.store.LatestModelVersion(ctx, o.cfg.LineageID); err == nil {
		status.LatestVersion = &version
	} else if !errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("latest version: %w", err)
	}
	return status, nil
}
