package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalalune/babylon-train/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local single-process
// runs. Method semantics mirror PGStore, including the compare-and-set claim
// discipline.
type MemoryStore struct {
	mu           sync.RWMutex
	agents       map[string]string
	trajectories map[uuid.UUID]models.Trajectory
	outcomes     map[string]models.WindowOutcome
	batches      map[uuid.UUID]models.TrainingBatch
	versions     map[string][]models.ModelVersion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       map[string]string{},
		trajectories: map[uuid.UUID]models.Trajectory{},
		outcomes:     map[string]models.WindowOutcome{},
		batches:      map[uuid.UUID]models.TrainingBatch{},
		versions:     map[string][]models.ModelVersion{},
	}
}

func copyTrajectory(t models.Trajectory) models.Trajectory {
	out := t
	out.Steps = append([]models.TrajectoryStep(nil), t.Steps...)
	if t.ClaimedBy != nil {
		id := *t.ClaimedBy
		out.ClaimedBy = &id
	}
	return out
}

func copyBatch(b models.TrainingBatch) models.TrainingBatch {
	out := b
	out.TrajectoryIDs = append([]uuid.UUID(nil), b.TrajectoryIDs...)
	out.WindowIDs = append([]string(nil), b.WindowIDs...)
	out.JudgeScores = append([]float64(nil), b.JudgeScores...)
	if b.SubmittedAt != nil {
		ts := *b.SubmittedAt
		out.SubmittedAt = &ts
	}
	return out
}

func (m *MemoryStore) RegisterAgent(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id] = name
	return nil
}

func (m *MemoryStore) AgentExists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[id]
	return ok, nil
}

func (m *MemoryStore) CreateTrajectory(ctx context.Context, in TrajectoryInput) (models.Trajectory, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	traj := models.Trajectory{
		ID:        in.ID,
		AgentID:   in.AgentID,
		WindowID:  in.WindowID,
		StartTime: in.StartTime,
		Status:    models.TrajectoryOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trajectories[traj.ID] = traj
	return copyTrajectory(traj), nil
}

func (m *MemoryStore) GetTrajectory(ctx context.Context, id uuid.UUID) (models.Trajectory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	traj, ok := m.trajectories[id]
	if !ok {
		return models.Trajectory{}, ErrNotFound
	}
	return copyTrajectory(traj), nil
}

func (m *MemoryStore) AppendStep(ctx context.Context, id uuid.UUID, step models.TrajectoryStep) (models.Trajectory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	traj, ok := m.trajectories[id]
	if !ok {
		return models.Trajectory{}, ErrNotFound
	}
	if traj.Status != models.TrajectoryOpen {
		return models.Trajectory{}, ErrClosed
	}
	if n := len(traj.Steps); n > 0 && step.Index <= traj.Steps[n-1].Index {
		return models.Trajectory{}, ErrStaleStep
	}
	traj = copyTrajectory(traj)
	traj.Steps = append(traj.Steps, step)
	traj.UpdatedAt = time.Now().UTC()
	m.trajectories[id] = traj
	return copyTrajectory(traj), nil
}

func (m *MemoryStore) FinalizeTrajectory(ctx context.Context, id uuid.UUID, in FinalizeInput) (models.Trajectory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	traj, ok := m.trajectories[id]
	if !ok {
		return models.Trajectory{}, ErrNotFound
	}
	traj = copyTrajectory(traj)
	traj.Status = models.TrajectoryFinalized
	traj.TotalReward = in.TotalReward
	traj.FinalPnL = in.FinalPnL
	traj.EndTime = in.EndTime
	traj.Valid = in.Valid
	traj.UpdatedAt = time.Now().UTC()
	m.trajectories[id] = traj
	return copyTrajectory(traj), nil
}

func (m *MemoryStore) ListTrajectoriesByWindow(ctx context.Context, windowID string) ([]models.Trajectory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trajectory
	for _, traj := range m.trajectories {
		if traj.WindowID == windowID {
			out = append(out, copyTrajectory(traj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListWindowIDs(ctx context.Context, since time.Time, minAgents int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agentsByWindow := map[string]map[string]struct{}{}
	for _, traj := range m.trajectories {
		if traj.CreatedAt.Before(since) {
			continue
		}
		set, ok := agentsByWindow[traj.WindowID]
		if !ok {
			set = map[string]struct{}{}
			agentsByWindow[traj.WindowID] = set
		}
		set[traj.AgentID] = struct{}{}
	}
	var ids []string
	for id, agents := range agentsByWindow {
		if len(agents) >= minAgents {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

func (m *MemoryStore) CountEligibleTrajectories(ctx context.Context, since time.Time, reuseCap int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, traj := range m.trajectories {
		if traj.CreatedAt.Before(since) {
			continue
		}
		if traj.Status != models.TrajectoryFinalized || !traj.Valid {
			continue
		}
		if reuseCap > 0 && traj.ReuseCount >= reuseCap {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) WindowStats(ctx context.Context, windowID string) (models.WindowStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := models.WindowStatistics{WindowID: windowID}
	agents := map[string]struct{}{}
	first := true
	for _, traj := range m.trajectories {
		if traj.WindowID != windowID {
			continue
		}
		agents[traj.AgentID] = struct{}{}
		stats.TrajectoryCount++
		stats.TotalActions += len(traj.Steps)
		stats.AvgPnL += traj.FinalPnL
		if first || traj.FinalPnL < stats.MinPnL {
			stats.MinPnL = traj.FinalPnL
		}
		if first || traj.FinalPnL > stats.MaxPnL {
			stats.MaxPnL = traj.FinalPnL
		}
		if first || traj.StartTime.Before(stats.StartTime) {
			stats.StartTime = traj.StartTime
		}
		if traj.EndTime.After(stats.EndTime) {
			stats.EndTime = traj.EndTime
		}
		first = false
	}
	if stats.TrajectoryCount == 0 {
		return models.WindowStatistics{}, ErrNotFound
	}
	stats.AgentCount = len(agents)
	stats.AvgPnL /= float64(stats.TrajectoryCount)
	return stats, nil
}

func (m *MemoryStore) ClaimTrajectories(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []uuid.UUID
	for _, id := range ids {
		traj, ok := m.trajectories[id]
		if !ok || traj.Status != models.TrajectoryFinalized || traj.ClaimedBy != nil {
			continue
		}
		traj = copyTrajectory(traj)
		claim := batchID
		traj.ClaimedBy = &claim
		traj.UpdatedAt = time.Now().UTC()
		m.trajectories[id] = traj
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (m *MemoryStore) ReleaseClaims(ctx context.Context, batchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, traj := range m.trajectories {
		if traj.ClaimedBy != nil && *traj.ClaimedBy == batchID {
			traj = copyTrajectory(traj)
			traj.ClaimedBy = nil
			traj.UpdatedAt = time.Now().UTC()
			m.trajectories[id] = traj
		}
	}
	return nil
}

func (m *MemoryStore) CommitClaims(ctx context.Context, batchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, traj := range m.trajectories {
		if traj.ClaimedBy != nil && *traj.ClaimedBy == batchID {
			traj = copyTrajectory(traj)
			traj.ClaimedBy = nil
			traj.ReuseCount++
			traj.UpdatedAt = time.Now().UTC()
			m.trajectories[id] = traj
		}
	}
	return nil
}

func (m *MemoryStore) UpsertOutcome(ctx context.Context, outcome models.WindowOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome.RecordedAt = time.Now().UTC()
	m.outcomes[outcome.WindowID] = outcome
	return nil
}

func (m *MemoryStore) GetOutcome(ctx context.Context, windowID string) (models.WindowOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	outcome, ok := m.outcomes[windowID]
	if !ok {
		return models.WindowOutcome{}, ErrNotFound
	}
	return outcome, nil
}

func (m *MemoryStore) CreateBatch(ctx context.Context, batch models.TrainingBatch) (models.TrainingBatch, error) {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	now := time.Now().UTC()
	batch.CreatedAt = now
	batch.UpdatedAt = now
	if batch.Status == "" {
		batch.Status = models.BatchPending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.ID] = copyBatch(batch)
	return copyBatch(batch), nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (models.TrainingBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[id]
	if !ok {
		return models.TrainingBatch{}, ErrNotFound
	}
	return copyBatch(batch), nil
}

func (m *MemoryStore) UpdateBatch(ctx context.Context, in BatchUpdate) (models.TrainingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[in.ID]
	if !ok {
		return models.TrainingBatch{}, ErrNotFound
	}
	batch = copyBatch(batch)
	batch.Status = in.Status
	if in.JobID != "" {
		batch.JobID = in.JobID
	}
	if in.ModelVersion != "" {
		batch.ModelVersion = in.ModelVersion
	}
	if in.ErrorDetail != "" {
		batch.ErrorDetail = in.ErrorDetail
	}
	if in.SubmittedAt != nil {
		ts := *in.SubmittedAt
		batch.SubmittedAt = &ts
	}
	if in.JudgeScores != nil {
		batch.JudgeScores = append([]float64(nil), in.JudgeScores...)
	}
	batch.UpdatedAt = time.Now().UTC()
	m.batches[in.ID] = batch
	return copyBatch(batch), nil
}

func (m *MemoryStore) LatestBatch(ctx context.Context, lineageID string) (models.TrainingBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.TrainingBatch
		found  bool
	)
	for _, batch := range m.batches {
		if batch.LineageID != lineageID {
			continue
		}
		if !found || batch.CreatedAt.After(latest.CreatedAt) {
			latest = batch
			found = true
		}
	}
	if !found {
		return models.TrainingBatch{}, ErrNotFound
	}
	return copyBatch(latest), nil
}

func (m *MemoryStore) ListBatches(ctx context.Context, lineageID string, limit int) ([]models.TrainingBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var batches []models.TrainingBatch
	for _, batch := range m.batches {
		if batch.LineageID != lineageID {
			continue
		}
		batches = append(batches, copyBatch(batch))
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func (m *MemoryStore) ActiveBatch(ctx context.Context, lineageID string) (models.TrainingBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, batch := range m.batches {
		if batch.LineageID != lineageID {
			continue
		}
		if batch.Status == models.BatchPending || batch.Status == models.BatchRunning {
			return copyBatch(batch), nil
		}
	}
	return models.TrainingBatch{}, ErrNotFound
}

func (m *MemoryStore) CreateModelVersion(ctx context.Context, version models.ModelVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions[version.LineageID] {
		if existing.Version == version.Version {
			return ErrVersionExists
		}
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	m.versions[version.LineageID] = append(m.versions[version.LineageID], version)
	return nil
}

func (m *MemoryStore) LatestModelVersion(ctx context.Context, lineageID string) (models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[lineageID]
	if len(versions) == 0 {
		return models.ModelVersion{}, ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (m *MemoryStore) ListModelVersions(ctx context.Context, lineageID string) ([]models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ModelVersion(nil), m.versions[lineageID]...), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
