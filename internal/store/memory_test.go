package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalalune/babylon-train/internal/models"
)

func seedTrajectory(t *testing.T, st *MemoryStore, agentID, windowID string, finalize bool) models.Trajectory {
	t.Helper()
	ctx := context.Background()
	if err := st.RegisterAgent(ctx, agentID, agentID); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	start, _ := time.Parse("2006-01-02T15:04", windowID)
	traj, err := st.CreateTrajectory(ctx, TrajectoryInput{
		ID:        uuid.New(),
		AgentID:   agentID,
		WindowID:  windowID,
		StartTime: start,
	})
	if err != nil {
		t.Fatalf("create trajectory: %v", err)
	}
	traj, err = st.AppendStep(ctx, traj.ID, models.TrajectoryStep{
		Index:     0,
		Timestamp: start.Add(time.Minute),
		LLMCalls:  []models.LLMCall{{UserPrompt: "state", Response: "buy"}},
	})
	if err != nil {
		t.Fatalf("append step: %v", err)
	}
	if finalize {
		traj, err = st.FinalizeTrajectory(ctx, traj.ID, FinalizeInput{
			TotalReward: 1,
			FinalPnL:    50,
			EndTime:     start.Add(2 * time.Minute),
			Valid:       true,
		})
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	return traj
}

func TestMemoryStoreTrajectoryLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	traj := seedTrajectory(t, st, "agent-1", "2025-05-01T10:00", true)
	if traj.Status != models.TrajectoryFinalized {
		t.Fatalf("expected finalized, got %s", traj.Status)
	}
	if !traj.Valid {
		t.Fatalf("expected valid trajectory")
	}

	got, err := st.GetTrajectory(ctx, traj.ID)
	if err != nil {
		t.Fatalf("get trajectory: %v", err)
	}
	if got.FinalPnL != 50 {
		t.Fatalf("final pnl = %f, want 50", got.FinalPnL)
	}

	if _, err := st.GetTrajectory(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreAppendStepGuards(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	open := seedTrajectory(t, st, "agent-1", "2025-05-01T10:00", false)
	if _, err := st.AppendStep(ctx, open.ID, models.TrajectoryStep{Index: 0}); !errors.Is(err, ErrStaleStep) {
		t.Fatalf("expected ErrStaleStep for repeated index, got %v", err)
	}
	if _, err := st.AppendStep(ctx, open.ID, models.TrajectoryStep{Index: 1}); err != nil {
		t.Fatalf("advancing index rejected: %v", err)
	}

	closed := seedTrajectory(t, st, "agent-2", "2025-05-01T10:00", true)
	if _, err := st.AppendStep(ctx, closed.ID, models.TrajectoryStep{Index: 5}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after finalize, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	traj := seedTrajectory(t, st, "agent-1", "2025-05-01T10:00", false)

	traj.Steps[0].Index = 99
	traj.Status = models.TrajectoryFinalized
	fresh, err := st.GetTrajectory(ctx, traj.ID)
	if err != nil {
		t.Fatalf("get trajectory: %v", err)
	}
	if fresh.Steps[0].Index != 0 || fresh.Status != models.TrajectoryOpen {
		t.Fatalf("store state leaked through returned value")
	}
}

func TestMemoryStoreListWindowIDsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	// Two agents in the older window, only one in the newer.
	seedTrajectory(t, st, "agent-1", "2025-05-01T10:00", true)
	seedTrajectory(t, st, "agent-2", "2025-05-01T10:00", true)
	seedTrajectory(t, st, "agent-1", "2025-05-01T11:00", true)

	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ids, err := st.ListWindowIDs(ctx, since, 2)
	if err != nil {
		t.Fatalf("list window ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "2025-05-01T10:00" {
		t.Fatalf("expected only the two-agent window, got %v", ids)
	}

	ids, err = st.ListWindowIDs(ctx, since, 1)
	if err != nil {
		t.Fatalf("list window ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "2025-05-01T11:00" {
		t.Fatalf("expected newest first, got %v", ids)
	}
}

func TestMemoryStoreClaimDiscipline(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	t1 := seedTrajectory(t, st, "agent-1", "2025-05-01T10:00", true)
	t2 := seedTrajectory(t, st, "agent-2", "2025-05-01T10:00", true)
	open := seedTrajectory(t, st, "agent-3", "2025-05-01T10:00", false)

	batchA := uuid.New()
	claimed, err := st.ClaimTrajectories(ctx, []uuid.UUID{t1.ID, t2.ID, open.ID}, batchA)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claims (open trajectory skipped), got %d", len(claimed))
	}

	// A second batch cannot steal claimed trajectories.
	batchB := uuid.New()
	claimed, err = st.ClaimTrajectories(ctx, []uuid.UUID{t1.ID, t2.ID}, batchB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claims for second batch, got %d", len(claimed))
	}

	// Release makes them claimable again without touching reuse counts.
	if err := st.ReleaseClaims(ctx, batchA); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := st.GetTrajectory(ctx, t1.ID)
	if got.ReuseCount != 0 || got.ClaimedBy != nil {
		t.Fatalf("release left reuseCount=%d claimedBy=%v", got.ReuseCount, got.ClaimedBy)
	}

	// Commit increments reuse and clears the claim.
	if _, err := st.ClaimTrajectories(ctx, []uuid.UUID{t1.ID}, batchB); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.CommitClaims(ctx, batchB); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ = st.GetTrajectory(ctx, t1.ID)
	if got.ReuseCount != 1 || got.ClaimedBy != nil {
		t.Fatalf("commit left reuseCount=%d claimedBy=%v", got.ReuseCount, got.ClaimedBy)
	}
}

func TestMemoryStoreConcurrentClaimsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	traj := seedTrajectory(t, st, "agent-1", "2025-05-01T10:00", true)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan uuid.UUID, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batchID := uuid.New()
			claimed, err := st.ClaimTrajectories(ctx, []uuid.UUID{traj.ID}, batchID)
			if err == nil && len(claimed) == 1 {
				wins <- batchID
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", count)
	}
}

func TestMemoryStoreActiveBatch(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	if _, err := st.ActiveBatch(ctx, "lineage-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no batches, got %v", err)
	}

	batch, err := st.CreateBatch(ctx, models.TrainingBatch{LineageID: "lineage-a"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	active, err := st.ActiveBatch(ctx, "lineage-a")
	if err != nil {
		t.Fatalf("active batch: %v", err)
	}
	if active.ID != batch.ID {
		t.Fatalf("active batch mismatch")
	}

	if _, err := st.UpdateBatch(ctx, BatchUpdate{ID: batch.ID, Status: models.BatchFailed, ErrorDetail: "boom"}); err != nil {
		t.Fatalf("update batch: %v", err)
	}
	if _, err := st.ActiveBatch(ctx, "lineage-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed batch should not be active, got %v", err)
	}
}

func TestMemoryStoreModelVersionUniqueness(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	v := models.ModelVersion{LineageID: "lineage-a", Version: "1.0.0", BaseModel: "qwen3-14b"}
	if err := st.CreateModelVersion(ctx, v); err != nil {
		t.Fatalf("create version: %v", err)
	}
	if err := st.CreateModelVersion(ctx, v); !errors.Is(err, ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}

	latest, err := st.LatestModelVersion(ctx, "lineage-a")
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest.Version != "1.0.0" {
		t.Fatalf("latest = %s, want 1.0.0", latest.Version)
	}
}
