package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS trajectories (
		id UUID PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		window_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		steps JSONB NOT NULL DEFAULT '[]'::jsonb,
		total_reward DOUBLE PRECISION NOT NULL DEFAULT 0,
		final_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'open',
		valid BOOLEAN NOT NULL DEFAULT FALSE,
		reuse_count INTEGER NOT NULL DEFAULT 0,
		claimed_by UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS trajectories_window_agent_idx ON trajectories (window_id, agent_id)`,
	`CREATE TABLE IF NOT EXISTS window_outcomes (
		window_id TEXT PRIMARY KEY,
		stocks JSONB NOT NULL DEFAULT '{}'::jsonb,
		predictions JSONB NOT NULL DEFAULT '{}'::jsonb,
		overall_trend TEXT NOT NULL DEFAULT '',
		volatility TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS training_batches (
		id UUID PRIMARY KEY,
		lineage_id TEXT NOT NULL,
		trajectory_ids TEXT[] NOT NULL DEFAULT '{}',
		window_ids TEXT[] NOT NULL DEFAULT '{}',
		dropout_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		judge_scores DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
		job_id TEXT NOT NULL DEFAULT '',
		model_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_detail TEXT NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS training_batches_lineage_idx ON training_batches (lineage_id, status)`,
	`CREATE TABLE IF NOT EXISTS model_versions (
		lineage_id TEXT NOT NULL,
		version TEXT NOT NULL,
		base_model TEXT NOT NULL DEFAULT '',
		checkpoint_ref TEXT NOT NULL DEFAULT '',
		inference_url TEXT NOT NULL DEFAULT '',
		parent TEXT NOT NULL DEFAULT '',
		batch_id UUID,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (lineage_id, version)
	)`,
}

// Migrate creates the schema when it does not exist yet. Statements are
// idempotent so repeated startups are safe.
func (s *PGStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
