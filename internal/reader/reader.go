// Package reader fetches trajectories per window and validates them into
// training groups. A window without enough distinct agents is skipped with a
// typed, non-fatal error; relative-comparison training is meaningless without
// several peers under identical conditions.
package reader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/outcome"
	"github.com/lalalune/babylon-train/internal/store"
)

// InsufficientAgentsError reports a window that cannot form a trainable
// group. It is an expected, routine condition, never a pipeline failure.
type InsufficientAgentsError struct {
	WindowID string
	Have     int
	Need     int
}

func (e *InsufficientAgentsError) Error() string {
	return fmt.Sprintf("window %s has %d trainable agents, need %d", e.WindowID, e.Have, e.Need)
}

type Config struct {
	MinGroupSize int
	// ReuseCap bounds how many completed batches a trajectory may contribute
	// to; 0 disables the cap.
	ReuseCap int
}

type Reader struct {
	store    store.Store
	outcomes *outcome.Tracker
	cfg      Config
}

func New(st store.Store, outcomes *outcome.Tracker, cfg Config) *Reader {
	if cfg.MinGroupSize < 2 {
		cfg.MinGroupSize = 2
	}
	return &Reader{store: st, outcomes: outcomes, cfg: cfg}
}

// CandidateWindows returns windows from the lookback period with at least
// minAgents distinct agents, newest first.
func (r *Reader) CandidateWindows(ctx context.Context, lookback time.Duration, minAgents int) ([]string, error) {
	since := time.Now().UTC().Add(-lookback)
	ids, err := r.store.ListWindowIDs(ctx, since, minAgents)
	if err != nil {
		return nil, fmt.Errorf("candidate windows: %w", err)
	}
	return ids, nil
}

// TrainableGroup builds the group for one window: invalid, claimed, and
// reuse-capped trajectories are discarded; one trajectory per agent
// (the longest) is kept; the window outcome is attached when present.
func (r *Reader) TrainableGroup(ctx context.Context, windowID string) (*models.TrainingGroup, error) {
	trajs, err := r.store.ListTrajectoriesByWindow(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("list trajectories: %w", err)
	}

	byAgent := map[string]models.Trajectory{}
	for _, traj := range trajs {
		if traj.Status != models.TrajectoryFinalized || !traj.Valid {
			continue
		}
		if r.cfg.ReuseCap > 0 && traj.ReuseCount >= r.cfg.ReuseCap {
			continue
		}
		// A trajectory claimed by an in-flight batch is unavailable until
		// that batch commits or releases it.
		if traj.ClaimedBy != nil {
			continue
		}
		if prev, ok := byAgent[traj.AgentID]; !ok || len(traj.Steps) > len(prev.Steps) {
			byAgent[traj.AgentID] = traj
		}
	}

	if len(byAgent) < r.cfg.MinGroupSize {
		return nil, &InsufficientAgentsError{WindowID: windowID, Have: len(byAgent), Need: r.cfg.MinGroupSize}
	}

	// Deterministic order keeps seeded dropout reproducible.
	group := &models.TrainingGroup{WindowID: windowID}
	qualitySum := 0.0
	for _, traj := range byAgent {
		group.Trajectories = append(group.Trajectories, traj)
		qualitySum += QualityScore(traj)
	}
	sort.Slice(group.Trajectories, func(i, j int) bool {
		return group.Trajectories[i].AgentID < group.Trajectories[j].AgentID
	})
	group.AvgQuality = qualitySum / float64(len(group.Trajectories))

	out, ok, err := r.outcomes.Get(ctx, windowID)
	if err != nil {
		return nil, err
	}
	if ok {
		group.Outcome = out
	}
	return group, nil
}

// QualityScore rates how completely a trajectory was recorded: the fraction
// of steps carrying a non-empty prompt, at least one provider access, and a
// recorded action result. It is observability input only; low-quality groups
// are flagged upstream, not rejected.
func QualityScore(traj models.Trajectory) float64 {
	if len(traj.Steps) == 0 {
		return 0
	}
	complete := 0
	for _, step := range traj.Steps {
		hasPrompt := false
		for _, call := range step.LLMCalls {
			if call.UserPrompt != "" {
				hasPrompt = true
				break
			}
		}
		if hasPrompt && len(step.ProviderAccesses) > 0 && len(step.Action.Result) > 0 {
			complete++
		}
	}
	return float64(complete) / float64(len(traj.Steps))
}
