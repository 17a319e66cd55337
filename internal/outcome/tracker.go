// Package outcome records and serves the privileged ground truth per time
// window, written asynchronously by the world simulation.
package outcome

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/store"
)

type Tracker struct {
	store store.Store
}

func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st}
}

// Record upserts the outcome for a window. The simulation may call this any
// number of times; the latest write wins.
func (t *Tracker) Record(ctx context.Context, outcome models.WindowOutcome) error {
	if outcome.WindowID == "" {
		return fmt.Errorf("window id required")
	}
	if err := t.store.UpsertOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Get returns the outcome for a window. A missing outcome is reported via the
// second return value, not an error: trajectories routinely exist before the
// world resolves.
func (t *Tracker) Get(ctx context.Context, windowID string) (*models.WindowOutcome, bool, error) {
	out, err := t.store.GetOutcome(ctx, windowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get outcome: %w", err)
	}
	return &out, true, nil
}
