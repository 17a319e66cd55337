// Package trainer runs the training-iteration control loop: scan for
// trainable windows, gate on data sufficiency, convert and judge-score
// groups, submit one batch to the training backend, and version the result.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lalalune/babylon-train/internal/backend"
	"github.com/lalalune/babylon-train/internal/converter"
	"github.com/lalalune/babylon-train/internal/judge"
	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/reader"
	"github.com/lalalune/babylon-train/internal/registry"
	"github.com/lalalune/babylon-train/internal/store"
)

// Emitter publishes pipeline lifecycle events; a nil Emitter disables them.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload interface{}) error
}

// Archiver stores the assembled dataset for a batch; a nil Archiver disables
// archiving. Archive failures are logged, never fatal.
type Archiver interface {
	ArchiveBatch(ctx context.Context, batch models.TrainingBatch, groups []converter.GroupInput) error
}

type Config struct {
	LineageID         string
	BaseModel         string
	MinTrajectories   int
	MinScenarioGroups int
	MinAvgQuality     float64
	MinGroupSize      int
	ReuseCap          int
	Lookback          time.Duration
	MaxWindows        int
	Parallelism       int
	JudgeRetries      int
	JudgeBackoff      time.Duration
	PollInterval      time.Duration
	MaxWait           time.Duration
	Logger            *log.Logger
}

type Orchestrator struct {
	cfg       Config
	store     store.Store
	reader    *reader.Reader
	converter *converter.Converter
	judge     judge.Client
	backend   backend.Client
	versions  *registry.Registry
	emitter   Emitter
	archiver  Archiver
	logger    *log.Logger

	// submitMu serializes submission within this process; the ActiveBatch
	// check covers other processes sharing the database.
	submitMu sync.Mutex
}

func New(
	cfg Config,
	st store.Store,
	rd *reader.Reader,
	conv *converter.Converter,
	judgeClient judge.Client,
	backendClient backend.Client,
	versions *registry.Registry,
	emitter Emitter,
	archiver Archiver,
) *Orchestrator {
	if cfg.MinGroupSize < 2 {
		cfg.MinGroupSize = 2
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.JudgeBackoff <= 0 {
		cfg.JudgeBackoff = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[trainer] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		reader:    rd,
		converter: conv,
		judge:     judgeClient,
		backend:   backendClient,
		versions:  versions,
		emitter:   emitter,
		archiver:  archiver,
		logger:    logger,
	}
}

// IterationResult is the structured outcome of one cycle.
type IterationResult struct {
	State        string                `json:"state"`
	Readiness    Readiness             `json:"readiness"`
	Batch        *models.TrainingBatch `json:"batch,omitempty"`
	ModelVersion string                `json:"modelVersion,omitempty"`
	Summary      *models.BatchSummary  `json:"summary,omitempty"`
}

// RunIteration executes one full cycle. NotReady is a routine, non-error
// result; an error is returned only for collaborator or storage failures.
func (o *Orchestrator) RunIteration(ctx context.Context) (IterationResult, error) {
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	if blocked, reason := o.activeBatchReason(ctx); blocked {
		o.logger.Printf("iteration skipped: training already in flight for lineage %s", o.cfg.LineageID)
		return IterationResult{State: StateNotReady, Readiness: Readiness{Ready: false, Reasons: []Reason{reason}}}, nil
	}

	readiness, groups, err := o.scan(ctx)
	if err != nil {
		return IterationResult{State: StateFailed, Readiness: readiness}, err
	}
	if !readiness.Ready {
		o.logger.Printf("not ready: %d conditions unmet", len(readiness.Reasons))
		return IterationResult{State: StateNotReady, Readiness: readiness}, nil
	}

	seed := time.Now().UTC().UnixNano()
	scored := o.scoreGroups(ctx, groups, seed)
	if len(scored) == 0 {
		readiness.Ready = false
		readiness.Reasons = append(readiness.Reasons, Reason{Condition: CondScenarioGroups, Actual: 0, Required: float64(o.cfg.MinScenarioGroups)})
		o.logger.Printf("no groups survived conversion and judging")
		return IterationResult{State: StateNotReady, Readiness: readiness}, nil
	}

	return o.submitAndMonitor(ctx, readiness, scored)
}

// scoredGroup pairs a converted group with its judge scores.
type scoredGroup struct {
	input  converter.GroupInput
	scores judge.GroupScores
}

// scoreGroups converts and judge-scores each group. Per-window work is
// independent and runs in parallel; a failed window only loses that window's
// contribution.
func (o *Orchestrator) scoreGroups(ctx context.Context, groups []*models.TrainingGroup, seed int64) []scoredGroup {
	results := make([]*scoredGroup, len(groups))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.Parallelism)
	for i, group := range groups {
		i, group := i, group
		eg.Go(func() error {
			input, err := o.converter.ConvertGroup(group, windowSeed(seed, group.WindowID))
			if err != nil {
				o.logger.Printf("window %s convert failed: %v", group.WindowID, err)
				return nil
			}
			if len(input.Examples) < 2 {
				o.logger.Printf("window %s has %d examples after dropout, skipping", group.WindowID, len(input.Examples))
				return nil
			}
			scores, err := o.scoreWithRetry(egCtx, input)
			if err != nil {
				o.logger.Printf("window %s judging failed: %v", group.WindowID, err)
				return nil
			}
			for j := range input.Examples {
				input.Examples[j].Reward = scores.Scores[j]
			}
			results[i] = &scoredGroup{input: input, scores: scores}
			return nil
		})
	}
	_ = eg.Wait()

	var scored []scoredGroup
	for _, r := range results {
		if r != nil {
			scored = append(scored, *r)
		}
	}
	return scored
}

// scoreWithRetry retries transient judge failures with linear backoff.
// Malformed responses are terminal for the group.
func (o *Orchestrator) scoreWithRetry(ctx context.Context, input converter.GroupInput) (judge.GroupScores, error) {
	attempts := o.cfg.JudgeRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		scores, err := o.judge.ScoreGroup(ctx, input)
		if err == nil {
			return scores, nil
		}
		lastErr = err
		if !errors.Is(err, judge.ErrUnavailable) {
			return judge.GroupScores{}, err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return judge.GroupScores{}, ctx.Err()
			case <-time.After(time.Duration(i+1) * o.cfg.JudgeBackoff):
			}
		}
	}
	return judge.GroupScores{}, lastErr
}

func (o *Orchestrator) submitAndMonitor(ctx context.Context, readiness Readiness, scored []scoredGroup) (IterationResult, error) {
	// The claim is staked before the batch record exists so only data this
	// batch actually owns ever reaches the backend.
	batchID := uuid.New()
	requested := exampleTrajectoryIDs(scored)
	claimed, err := o.store.ClaimTrajectories(ctx, requested, batchID)
	if err != nil {
		return IterationResult{State: StateFailed, Readiness: readiness}, fmt.Errorf("claim trajectories: %w", err)
	}
	if len(claimed) < len(requested) {
		o.logger.Printf("claimed %d of %d trajectories; rest already in use", len(claimed), len(requested))
	}

	claimedSet := make(map[uuid.UUID]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
	}
	scored = filterClaimed(scored, claimedSet)
	trajIDs := exampleTrajectoryIDs(scored)
	if len(trajIDs) < 2 {
		o.releaseClaims(ctx, batchID)
		readiness.Ready = false
		readiness.Reasons = append(readiness.Reasons, Reason{Condition: CondEligibleTrajectories, Actual: float64(len(trajIDs)), Required: 2})
		o.logger.Printf("too few unclaimed trajectories, nothing to submit")
		return IterationResult{State: StateNotReady, Readiness: readiness}, nil
	}
	if len(trajIDs) != len(claimed) {
		// A collapsed group hands its claims back; re-stake exactly the
		// surviving set.
		o.releaseClaims(ctx, batchID)
		reclaimed, err := o.store.ClaimTrajectories(ctx, trajIDs, batchID)
		if err != nil || len(reclaimed) < len(trajIDs) {
			o.releaseClaims(ctx, batchID)
			if err == nil {
				err = fmt.Errorf("lost %d trajectories while re-staking claim", len(trajIDs)-len(reclaimed))
			}
			return IterationResult{State: StateFailed, Readiness: readiness}, fmt.Errorf("reclaim trajectories: %w", err)
		}
	}

	var (
		windowIDs []string
		allScores []float64
		rateSum   float64
	)
	for _, sg := range scored {
		windowIDs = append(windowIDs, sg.input.WindowID)
		rateSum += sg.input.DropoutRate
		allScores = append(allScores, sg.scores.Scores...)
	}
	dropoutApplied := rateSum / float64(len(scored))

	batch, err := o.store.CreateBatch(ctx, models.TrainingBatch{
		ID:            batchID,
		LineageID:     o.cfg.LineageID,
		TrajectoryIDs: trajIDs,
		WindowIDs:     windowIDs,
		DropoutRate:   dropoutApplied,
		JudgeScores:   allScores,
		Status:        models.BatchPending,
	})
	if err != nil {
		o.releaseClaims(ctx, batchID)
		return IterationResult{State: StateFailed, Readiness: readiness}, fmt.Errorf("create batch: %w", err)
	}

	inputs := make([]converter.GroupInput, len(scored))
	for i, sg := range scored {
		inputs[i] = sg.input
	}
	if o.archiver != nil {
		if err := o.archiver.ArchiveBatch(ctx, batch, inputs); err != nil {
			o.logger.Printf("archive batch %s: %v", batch.ID, err)
		}
	}

	jobID, err := o.backend.Submit(ctx, backend.BatchSpec{
		BatchID:   batch.ID.String(),
		LineageID: o.cfg.LineageID,
		BaseModel: o.cfg.BaseModel,
		Groups:    inputs,
	})
	if err != nil {
		return o.failBatch(ctx, readiness, batch, fmt.Errorf("%w: %v", backend.ErrTrainingFailed, err), "submit failed")
	}

	now := time.Now().UTC()
	batch, err = o.store.UpdateBatch(ctx, store.BatchUpdate{
		ID:          batch.ID,
		Status:      models.BatchRunning,
		JobID:       jobID,
		SubmittedAt: &now,
	})
	if err != nil {
		return IterationResult{State: StateFailed, Readiness: readiness, Batch: &batch}, fmt.Errorf("mark batch running: %w", err)
	}
	o.emit(ctx, "batch.submitted", batch)
	o.logger.Printf("batch %s submitted as job %s (%d trajectories, %d windows)", batch.ID, jobID, len(trajIDs), len(windowIDs))

	status, err := o.monitor(ctx, jobID)
	if err != nil {
		detail := "backend error: " + err.Error()
		if errors.Is(err, backend.ErrTrainingTimeout) {
			detail = "timeout"
		} else if errors.Is(err, context.Canceled) {
			detail = "cancelled"
			err = fmt.Errorf("%w: cancelled", backend.ErrTrainingFailed)
		}
		result, _ := o.failBatch(ctx, readiness, batch, err, detail)
		return result, err
	}
	if status.State != backend.JobCompleted {
		detail := status.Error
		if detail == "" {
			detail = "job " + status.State
		}
		err := fmt.Errorf("%w: %s", backend.ErrTrainingFailed, detail)
		result, _ := o.failBatch(ctx, readiness, batch, err, detail)
		return result, err
	}

	return o.completeBatch(ctx, readiness, batch, status, scored)
}

// exampleTrajectoryIDs collects the trajectory ids behind every example.
func exampleTrajectoryIDs(scored []scoredGroup) []uuid.UUID {
	var ids []uuid.UUID
	for _, sg := range scored {
		for _, ex := range sg.input.Examples {
			id, err := uuid.Parse(ex.Metadata.TrajectoryID)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids
}

// filterClaimed keeps only examples whose trajectory made it into the claim
// set. A group left with fewer than two examples can no longer be compared
// relatively and is dropped whole.
func filterClaimed(scored []scoredGroup, claimed map[uuid.UUID]bool) []scoredGroup {
	var out []scoredGroup
	for _, sg := range scored {
		var (
			examples   []converter.Example
			scores     []float64
			rationales []string
		)
		for i, ex := range sg.input.Examples {
			id, err := uuid.Parse(ex.Metadata.TrajectoryID)
			if err != nil || !claimed[id] {
				continue
			}
			examples = append(examples, ex)
			scores = append(scores, sg.scores.Scores[i])
			if i < len(sg.scores.Rationales) {
				rationales = append(rationales, sg.scores.Rationales[i])
			}
		}
		if len(examples) < 2 {
			continue
		}
		sg.input.Examples = examples
		sg.scores.Scores = scores
		sg.scores.Rationales = rationales
		out = append(out, sg)
	}
	return out
}

func (o *Orchestrator) releaseClaims(ctx context.Context, batchID uuid.UUID) {
	if err := o.store.ReleaseClaims(ctx, batchID); err != nil {
		o.logger.Printf("release claims for batch %s: %v", batchID, err)
	}
}

// monitor polls the backend until the job reaches a terminal state or the
// configured max wait elapses. On timeout or caller cancellation the job is
// cancelled best-effort so the batch never stays pending forever.
func (o *Orchestrator) monitor(ctx context.Context, jobID string) (backend.JobStatus, error) {
	deadline := time.Now().Add(o.cfg.MaxWait)
	for {
		status, err := o.backend.Status(ctx, jobID)
		if err == nil && backend.Terminal(status.State) {
			return status, nil
		}
		if err != nil {
			o.logger.Printf("job %s status poll failed: %v", jobID, err)
		}
		if time.Now().After(deadline) {
			o.cancelJob(jobID)
			return backend.JobStatus{}, fmt.Errorf("%w: after %s", backend.ErrTrainingTimeout, o.cfg.MaxWait)
		}
		select {
		case <-ctx.Done():
			o.cancelJob(jobID)
			return backend.JobStatus{}, ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

func (o *Orchestrator) cancelJob(jobID string) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.backend.Cancel(cancelCtx, jobID); err != nil {
		o.logger.Printf("cancel job %s: %v", jobID, err)
	}
}

// failBatch marks the batch failed and releases its claims so the data is
// eligible again on the next cycle. A failed batch is never auto-resubmitted.
func (o *Orchestrator) failBatch(ctx context.Context, readiness Readiness, batch models.TrainingBatch, cause error, detail string) (IterationResult, error) {
	if releaseErr := o.store.ReleaseClaims(ctx, batch.ID); releaseErr != nil {
		o.logger.Printf("release claims for batch %s: %v", batch.ID, releaseErr)
	}
	updated, err := o.store.UpdateBatch(ctx, store.BatchUpdate{
		ID:          batch.ID,
		Status:      models.BatchFailed,
		ErrorDetail: detail,
	})
	if err != nil {
		o.logger.Printf("mark batch %s failed: %v", batch.ID, err)
		updated = batch
	}
	o.emit(ctx, "batch.failed", updated)
	o.logger.Printf("batch %s failed: %s", batch.ID, detail)
	return IterationResult{State: StateFailed, Readiness: readiness, Batch: &updated}, cause
}

func (o *Orchestrator) completeBatch(ctx context.Context, readiness Readiness, batch models.TrainingBatch, status backend.JobStatus, scored []scoredGroup) (IterationResult, error) {
	// Claims commit only after backend success: a failed job must never
	// permanently consume data.
	if err := o.store.CommitClaims(ctx, batch.ID); err != nil {
		return IterationResult{State: StateFailed, Readiness: readiness, Batch: &batch}, fmt.Errorf("commit claims: %w", err)
	}

	baseModelChanged := false
	if latest, err := o.store.LatestModelVersion(ctx, o.cfg.LineageID); err == nil {
		baseModelChanged = latest.BaseModel != o.cfg.BaseModel
	}
	next, err := o.versions.Next(ctx, o.cfg.LineageID, baseModelChanged)
	if err != nil {
		return IterationResult{State: StateFailed, Readiness: readiness, Batch: &batch}, err
	}
	version, err := o.versions.Record(ctx, registry.RecordInput{
		LineageID:     o.cfg.LineageID,
		Version:       next,
		BaseModel:     o.cfg.BaseModel,
		CheckpointRef: status.CheckpointRef,
		InferenceURL:  status.InferenceURL,
		BatchID:       batch.ID,
	})
	if errors.Is(err, store.ErrVersionExists) {
		// A concurrent writer took this version; recompute once and retry.
		if next, err = o.versions.Next(ctx, o.cfg.LineageID, baseModelChanged); err == nil {
			version, err = o.versions.Record(ctx, registry.RecordInput{
				LineageID:     o.cfg.LineageID,
				Version:       next,
				BaseModel:     o.cfg.BaseModel,
				CheckpointRef: status.CheckpointRef,
				InferenceURL:  status.InferenceURL,
				BatchID:       batch.ID,
			})
		}
	}
	if err != nil {
		return IterationResult{State: StateFailed, Readiness: readiness, Batch: &batch}, fmt.Errorf("record version: %w", err)
	}

	batch, err = o.store.UpdateBatch(ctx, store.BatchUpdate{
		ID:           batch.ID,
		Status:       models.BatchCompleted,
		ModelVersion: version.Version,
	})
	if err != nil {
		return IterationResult{State: StateFailed, Readiness: readiness}, fmt.Errorf("mark batch completed: %w", err)
	}

	summary := summarize(scored)
	o.emit(ctx, "batch.completed", batch)
	o.emit(ctx, "model.version", version)
	o.logger.Printf("batch %s completed, model version %s (%d windows, %d trajectories)",
		batch.ID, version.Version, summary.Windows, summary.TotalTrajectories)

	return IterationResult{
		State:        StateCompleted,
		Readiness:    readiness,
		Batch:        &batch,
		ModelVersion: version.Version,
		Summary:      &summary,
	}, nil
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, payload interface{}) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, eventType, payload); err != nil {
		o.logger.Printf("emit %s: %v", eventType, err)
	}
}

func summarize(scored []scoredGroup) models.BatchSummary {
	summary := models.BatchSummary{Windows: len(scored)}
	first := true
	for _, sg := range scored {
		for _, ex := range sg.input.Examples {
			summary.TotalTrajectories++
			summary.ScoreAvg += ex.Reward
			summary.PnLAvg += ex.Metrics.FinalPnL
			if first || ex.Reward < summary.ScoreMin {
				summary.ScoreMin = ex.Reward
			}
			if first || ex.Reward > summary.ScoreMax {
				summary.ScoreMax = ex.Reward
			}
			if first || ex.Metrics.FinalPnL < summary.PnLMin {
				summary.PnLMin = ex.Metrics.FinalPnL
			}
			if first || ex.Metrics.FinalPnL > summary.PnLMax {
				summary.PnLMax = ex.Metrics.FinalPnL
			}
			first = false
		}
	}
	if summary.TotalTrajectories > 0 {
		summary.ScoreAvg /= float64(summary.TotalTrajectories)
		summary.PnLAvg /= float64(summary.TotalTrajectories)
		summary.AvgPerWindow = float64(summary.TotalTrajectories) / float64(summary.Windows)
	}
	return summary
}

// windowSeed derives a stable per-window seed from the iteration seed.
func windowSeed(seed int64, windowID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(windowID))
	return seed ^ int64(h.Sum64())
}
