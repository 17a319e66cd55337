package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lalalune/babylon-train/internal/models"
)

// PGStore implements Store on PostgreSQL. Steps and outcomes are stored as
// JSONB; trajectory claims use a conditional UPDATE so that two concurrent
// iterations can never claim the same row.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const trajectoryColumns = `id, agent_id, window_id, start_time, end_time, steps, total_reward, final_pnl, status, valid, reuse_count, claimed_by, created_at, updated_at`

func scanTrajectory(row rowScanner) (models.Trajectory, error) {
	var (
		traj      models.Trajectory
		endTime   sql.NullTime
		steps     []byte
		claimedBy uuid.NullUUID
	)
	if err := row.Scan(
		&traj.ID,
		&traj.AgentID,
		&traj.WindowID,
		&traj.StartTime,
		&endTime,
		&steps,
		&traj.TotalReward,
		&traj.FinalPnL,
		&traj.Status,
		&traj.Valid,
		&traj.ReuseCount,
		&claimedBy,
		&traj.CreatedAt,
		&traj.UpdatedAt,
	); err != nil {
		return models.Trajectory{}, err
	}
	if endTime.Valid {
		traj.EndTime = endTime.Time
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &traj.Steps); err != nil {
			return models.Trajectory{}, fmt.Errorf("decode steps: %w", err)
		}
	}
	if claimedBy.Valid {
		id := claimedBy.UUID
		traj.ClaimedBy = &id
	}
	return traj, nil
}

func (s *PGStore) RegisterAgent(ctx context.Context, id, name string) error {
	const query = `
		INSERT INTO agents (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`
	if _, err := s.db.ExecContext(ctx, query, id, name); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

func (s *PGStore) AgentExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id=$1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("agent exists: %w", err)
	}
	return exists, nil
}

func (s *PGStore) CreateTrajectory(ctx context.Context, in TrajectoryInput) (models.Trajectory, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO trajectories (id, agent_id, window_id, start_time, steps, status)
		VALUES ($1, $2, $3, $4, '[]'::jsonb, 'open')
		RETURNING ` + trajectoryColumns
	traj, err := scanTrajectory(s.db.QueryRowContext(ctx, query, in.ID, in.AgentID, in.WindowID, in.StartTime))
	if err != nil {
		return models.Trajectory{}, fmt.Errorf("insert trajectory: %w", err)
	}
	return traj, nil
}

func (s *PGStore) GetTrajectory(ctx context.Context, id uuid.UUID) (models.Trajectory, error) {
	query := `SELECT ` + trajectoryColumns + ` FROM trajectories WHERE id=$1`
	traj, err := scanTrajectory(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Trajectory{}, ErrNotFound
		}
		return models.Trajectory{}, fmt.Errorf("get trajectory: %w", err)
	}
	return traj, nil
}

func (s *PGStore) AppendStep(ctx context.Context, id uuid.UUID, step models.TrajectoryStep) (models.Trajectory, error) {
	stepJSON, err := json.Marshal(step)
	if err != nil {
		return models.Trajectory{}, fmt.Errorf("encode step: %w", err)
	}
	// Status and index preconditions live in the UPDATE itself so a
	// concurrent finalize or duplicate step cannot slip in between a read
	// and this write.
	query := `
		UPDATE trajectories
		SET steps = steps || $2::jsonb, updated_at = NOW()
		WHERE id = $1
		  AND status = 'open'
		  AND COALESCE((steps -> -1 ->> 'index')::int, -1) < $3
		RETURNING ` + trajectoryColumns
	traj, err := scanTrajectory(s.db.QueryRowContext(ctx, query, id, stepJSON, step.Index))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Trajectory{}, s.appendStepConflict(ctx, id)
		}
		return models.Trajectory{}, fmt.Errorf("append step: %w", err)
	}
	return traj, nil
}

// appendStepConflict distinguishes why a guarded step write matched no row.
func (s *PGStore) appendStepConflict(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM trajectories WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	if status != models.TrajectoryOpen {
		return ErrClosed
	}
	return ErrStaleStep
}

func (s *PGStore) FinalizeTrajectory(ctx context.Context, id uuid.UUID, in FinalizeInput) (models.Trajectory, error) {
	query := `
		UPDATE trajectories
		SET status='finalized', total_reward=$2, final_pnl=$3, end_time=$4, valid=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + trajectoryColumns
	traj, err := scanTrajectory(s.db.QueryRowContext(ctx, query, id, in.TotalReward, in.FinalPnL, in.EndTime, in.Valid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Trajectory{}, ErrNotFound
		}
		return models.Trajectory{}, fmt.Errorf("finalize trajectory: %w", err)
	}
	return traj, nil
}

func (s *PGStore) ListTrajectoriesByWindow(ctx context.Context, windowID string) ([]models.Trajectory, error) {
	query := `SELECT ` + trajectoryColumns + ` FROM trajectories WHERE window_id=$1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, windowID)
	if err != nil {
		return nil, fmt.Errorf("list trajectories: %w", err)
	}
	defer rows.Close()

	var out []models.Trajectory
	for rows.Next() {
		traj, err := scanTrajectory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trajectory: %w", err)
		}
		out = append(out, traj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trajectories: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListWindowIDs(ctx context.Context, since time.Time, minAgents int) ([]string, error) {
	const query = `
		SELECT window_id
		FROM trajectories
		WHERE created_at > $1
		GROUP BY window_id
		HAVING COUNT(DISTINCT agent_id) >= $2
		ORDER BY window_id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, since, minAgents)
	if err != nil {
		return nil, fmt.Errorf("list window ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan window id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window ids: %w", err)
	}
	return ids, nil
}

func (s *PGStore) CountEligibleTrajectories(ctx context.Context, since time.Time, reuseCap int) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM trajectories
		WHERE created_at > $1
		  AND status = 'finalized'
		  AND valid
		  AND ($2 <= 0 OR reuse_count < $2)
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, since, reuseCap).Scan(&count); err != nil {
		return 0, fmt.Errorf("count eligible trajectories: %w", err)
	}
	return count, nil
}

func (s *PGStore) WindowStats(ctx context.Context, windowID string) (models.WindowStatistics, error) {
	const query = `
		SELECT
			window_id,
			COUNT(DISTINCT agent_id),
			COUNT(*),
			COALESCE(SUM(jsonb_array_length(steps)), 0),
			COALESCE(AVG(final_pnl), 0),
			COALESCE(MIN(final_pnl), 0),
			COALESCE(MAX(final_pnl), 0),
			MIN(start_time),
			COALESCE(MAX(end_time), MIN(start_time))
		FROM trajectories
		WHERE window_id = $1
		GROUP BY window_id
	`
	var stats models.WindowStatistics
	err := s.db.QueryRowContext(ctx, query, windowID).Scan(
		&stats.WindowID,
		&stats.AgentCount,
		&stats.TrajectoryCount,
		&stats.TotalActions,
		&stats.AvgPnL,
		&stats.MinPnL,
		&stats.MaxPnL,
		&stats.StartTime,
		&stats.EndTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WindowStatistics{}, ErrNotFound
		}
		return models.WindowStatistics{}, fmt.Errorf("window stats: %w", err)
	}
	return stats, nil
}

func (s *PGStore) ClaimTrajectories(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]uuid.UUID, error) {
	const query = `
		UPDATE trajectories
		SET claimed_by = $2, updated_at = NOW()
		WHERE id = ANY($1)
		  AND status = 'finalized'
		  AND claimed_by IS NULL
		RETURNING id
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids), batchID)
	if err != nil {
		return nil, fmt.Errorf("claim trajectories: %w", err)
	}
	defer rows.Close()

	var claimed []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		claimed = append(claimed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed ids: %w", err)
	}
	return claimed, nil
}

func (s *PGStore) ReleaseClaims(ctx context.Context, batchID uuid.UUID) error {
	const query = `UPDATE trajectories SET claimed_by = NULL, updated_at = NOW() WHERE claimed_by = $1`
	if _, err := s.db.ExecContext(ctx, query, batchID); err != nil {
		return fmt.Errorf("release claims: %w", err)
	}
	return nil
}

func (s *PGStore) CommitClaims(ctx context.Context, batchID uuid.UUID) error {
	const query = `
		UPDATE trajectories
		SET claimed_by = NULL, reuse_count = reuse_count + 1, updated_at = NOW()
		WHERE claimed_by = $1
	`
	if _, err := s.db.ExecContext(ctx, query, batchID); err != nil {
		return fmt.Errorf("commit claims: %w", err)
	}
	return nil
}

func (s *PGStore) UpsertOutcome(ctx context.Context, outcome models.WindowOutcome) error {
	stocks, err := json.Marshal(outcome.Stocks)
	if err != nil {
		return fmt.Errorf("encode stocks: %w", err)
	}
	predictions, err := json.Marshal(outcome.Predictions)
	if err != nil {
		return fmt.Errorf("encode predictions: %w", err)
	}
	const query = `
		INSERT INTO window_outcomes (window_id, stocks, predictions, overall_trend, volatility, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (window_id) DO UPDATE SET
			stocks = EXCLUDED.stocks,
			predictions = EXCLUDED.predictions,
			overall_trend = EXCLUDED.overall_trend,
			volatility = EXCLUDED.volatility,
			recorded_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, outcome.WindowID, stocks, predictions, outcome.OverallTrend, outcome.Volatility); err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

func (s *PGStore) GetOutcome(ctx context.Context, windowID string) (models.WindowOutcome, error) {
	const query = `
		SELECT window_id, stocks, predictions, overall_trend, volatility, recorded_at
		FROM window_outcomes
		WHERE window_id = $1
	`
	var (
		outcome     models.WindowOutcome
		stocks      []byte
		predictions []byte
	)
	err := s.db.QueryRowContext(ctx, query, windowID).Scan(
		&outcome.WindowID,
		&stocks,
		&predictions,
		&outcome.OverallTrend,
		&outcome.Volatility,
		&outcome.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WindowOutcome{}, ErrNotFound
		}
		return models.WindowOutcome{}, fmt.Errorf("get outcome: %w", err)
	}
	if len(stocks) > 0 {
		if err := json.Unmarshal(stocks, &outcome.Stocks); err != nil {
			return models.WindowOutcome{}, fmt.Errorf("decode stocks: %w", err)
		}
	}
	if len(predictions) > 0 {
		if err := json.Unmarshal(predictions, &outcome.Predictions); err != nil {
			return models.WindowOutcome{}, fmt.Errorf("decode predictions: %w", err)
		}
	}
	return outcome, nil
}

const batchColumns = `id, lineage_id, trajectory_ids, window_ids, dropout_rate, judge_scores, job_id, model_version, status, error_detail, submitted_at, created_at, updated_at`

func scanBatch(row rowScanner) (models.TrainingBatch, error) {
	var (
		batch       models.TrainingBatch
		trajIDs     []string
		submittedAt sql.NullTime
	)
	if err := row.Scan(
		&batch.ID,
		&batch.LineageID,
		pq.Array(&trajIDs),
		pq.Array(&batch.WindowIDs),
		&batch.DropoutRate,
		pq.Array(&batch.JudgeScores),
		&batch.JobID,
		&batch.ModelVersion,
		&batch.Status,
		&batch.ErrorDetail,
		&submittedAt,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	); err != nil {
		return models.TrainingBatch{}, err
	}
	for _, raw := range trajIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.TrainingBatch{}, fmt.Errorf("parse trajectory id %q: %w", raw, err)
		}
		batch.TrajectoryIDs = append(batch.TrajectoryIDs, id)
	}
	if submittedAt.Valid {
		ts := submittedAt.Time
		batch.SubmittedAt = &ts
	}
	return batch, nil
}

func trajectoryIDStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *PGStore) CreateBatch(ctx context.Context, batch models.TrainingBatch) (models.TrainingBatch, error) {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = models.BatchPending
	}
	query := `
		INSERT INTO training_batches (id, lineage_id, trajectory_ids, window_ids, dropout_rate, judge_scores, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + batchColumns
	row := s.db.QueryRowContext(ctx, query,
		batch.ID,
		batch.LineageID,
		pq.Array(trajectoryIDStrings(batch.TrajectoryIDs)),
		pq.Array(batch.WindowIDs),
		batch.DropoutRate,
		pq.Array(batch.JudgeScores),
		batch.Status,
	)
	created, err := scanBatch(row)
	if err != nil {
		return models.TrainingBatch{}, fmt.Errorf("insert batch: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetBatch(ctx context.Context, id uuid.UUID) (models.TrainingBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM training_batches WHERE id=$1`
	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrainingBatch{}, ErrNotFound
		}
		return models.TrainingBatch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

func (s *PGStore) UpdateBatch(ctx context.Context, in BatchUpdate) (models.TrainingBatch, error) {
	query := `
		UPDATE training_batches
		SET status=$2,
		    job_id=COALESCE(NULLIF($3, ''), job_id),
		    model_version=COALESCE(NULLIF($4, ''), model_version),
		    error_detail=COALESCE(NULLIF($5, ''), error_detail),
		    submitted_at=COALESCE($6, submitted_at),
		    judge_scores=COALESCE($7, judge_scores),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING ` + batchColumns
	var scores interface{}
	if in.JudgeScores != nil {
		scores = pq.Array(in.JudgeScores)
	}
	row := s.db.QueryRowContext(ctx, query, in.ID, in.Status, in.JobID, in.ModelVersion, in.ErrorDetail, in.SubmittedAt, scores)
	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrainingBatch{}, ErrNotFound
		}
		return models.TrainingBatch{}, fmt.Errorf("update batch: %w", err)
	}
	return batch, nil
}

func (s *PGStore) LatestBatch(ctx context.Context, lineageID string) (models.TrainingBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM training_batches WHERE lineage_id=$1 ORDER BY created_at DESC LIMIT 1`
	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, lineageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrainingBatch{}, ErrNotFound
		}
		return models.TrainingBatch{}, fmt.Errorf("latest batch: %w", err)
	}
	return batch, nil
}

func (s *PGStore) ListBatches(ctx context.Context, lineageID string, limit int) ([]models.TrainingBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM training_batches WHERE lineage_id=$1 ORDER BY created_at DESC`
	args := []interface{}{lineageID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []models.TrainingBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

func (s *PGStore) ActiveBatch(ctx context.Context, lineageID string) (models.TrainingBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM training_batches
		WHERE lineage_id=$1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1
	`
	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, lineageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrainingBatch{}, ErrNotFound
		}
		return models.TrainingBatch{}, fmt.Errorf("active batch: %w", err)
	}
	return batch, nil
}

func (s *PGStore) CreateModelVersion(ctx context.Context, version models.ModelVersion) error {
	const query = `
		INSERT INTO model_versions (lineage_id, version, base_model, checkpoint_ref, inference_url, parent, batch_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		version.LineageID,
		version.Version,
		version.BaseModel,
		version.CheckpointRef,
		version.InferenceURL,
		version.Parent,
		version.BatchID,
		version.Status,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrVersionExists
		}
		return fmt.Errorf("insert model version: %w", err)
	}
	return nil
}

const versionColumns = `lineage_id, version, base_model, checkpoint_ref, inference_url, parent, batch_id, status, created_at`

func scanVersion(row rowScanner) (models.ModelVersion, error) {
	var v models.ModelVersion
	if err := row.Scan(
		&v.LineageID,
		&v.Version,
		&v.BaseModel,
		&v.CheckpointRef,
		&v.InferenceURL,
		&v.Parent,
		&v.BatchID,
		&v.Status,
		&v.CreatedAt,
	); err != nil {
		return models.ModelVersion{}, err
	}
	return v, nil
}

func (s *PGStore) LatestModelVersion(ctx context.Context, lineageID string) (models.ModelVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM model_versions WHERE lineage_id=$1 ORDER BY created_at DESC LIMIT 1`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, lineageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ModelVersion{}, ErrNotFound
		}
		return models.ModelVersion{}, fmt.Errorf("latest model version: %w", err)
	}
	return v, nil
}

func (s *PGStore) ListModelVersions(ctx context.Context, lineageID string) ([]models.ModelVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM model_versions WHERE lineage_id=$1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, lineageID)
	if err != nil {
		return nil, fmt.Errorf("list model versions: %w", err)
	}
	defer rows.Close()

	var out []models.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model versions: %w", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
