package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LLMCallPurpose classifies why the agent made an LLM call within a step.
type LLMCallPurpose string

const (
	PurposeAction     LLMCallPurpose = "action"
	PurposeReasoning  LLMCallPurpose = "reasoning"
	PurposeEvaluation LLMCallPurpose = "evaluation"
	PurposeResponse   LLMCallPurpose = "response"
)

// EnvironmentState is the agent-visible world snapshot at a step.
type EnvironmentState struct {
	AgentBalance  float64 `json:"agentBalance"`
	AgentPnL      float64 `json:"agentPnL"`
	OpenPositions int     `json:"openPositions"`
	ActiveMarkets int     `json:"activeMarkets"`
}

// ProviderAccess records data the agent pulled from an external provider.
type ProviderAccess struct {
	Provider string          `json:"provider"`
	Data     json.RawMessage `json:"data"`
	Purpose  string          `json:"purpose"`
}

// LLMCall is a single model invocation made by the agent.
type LLMCall struct {
	Model        string         `json:"model"`
	SystemPrompt string         `json:"systemPrompt"`
	UserPrompt   string         `json:"userPrompt"`
	Response     string         `json:"response"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Temperature  float64        `json:"temperature"`
	MaxTokens    int            `json:"maxTokens"`
	LatencyMs    int            `json:"latencyMs,omitempty"`
	Purpose      LLMCallPurpose `json:"purpose"`
	ActionType   string         `json:"actionType,omitempty"`
}

// Action is the decision the agent committed at the end of a step.
type Action struct {
	Type       string          `json:"actionType"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// TrajectoryStep is one decision step in an agent trajectory. Step indexes are
// strictly increasing and timestamps never go backwards within a trajectory.
type TrajectoryStep struct {
	Index            int              `json:"index"`
	Timestamp        time.Time        `json:"timestamp"`
	EnvironmentState EnvironmentState `json:"environmentState"`
	ProviderAccesses []ProviderAccess `json:"providerAccesses,omitempty"`
	LLMCalls         []LLMCall        `json:"llmCalls"`
	Action           Action           `json:"action"`
	Reward           float64          `json:"reward"`
}

// Trajectory lifecycle status.
const (
	TrajectoryOpen      = "open"
	TrajectoryFinalized = "finalized"
)

// Trajectory is one agent's ordered steps within a single time window. The
// window id is fixed from the start time at creation and never mutated.
type Trajectory struct {
	ID          uuid.UUID        `json:"id"`
	AgentID     string           `json:"agentId"`
	WindowID    string           `json:"windowId"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     time.Time        `json:"endTime"`
	Steps       []TrajectoryStep `json:"steps"`
	TotalReward float64          `json:"totalReward"`
	FinalPnL    float64          `json:"finalPnl"`
	Status      string           `json:"status"`
	Valid       bool             `json:"valid"`
	ReuseCount  int              `json:"reuseCount"`
	ClaimedBy   *uuid.UUID       `json:"claimedBy,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// ComputeValid reports whether a finalized trajectory is usable for training:
// at least one step, at least one LLM call, and no empty prompts.
func (t *Trajectory) ComputeValid() bool {
	if len(t.Steps) == 0 {
		return false
	}
	calls := 0
	for _, step := range t.Steps {
		for _, call := range step.LLMCalls {
			if call.UserPrompt == "" {
				return false
			}
			calls++
		}
	}
	return calls > 0
}

// StockOutcome is the resolved price action for one instrument over a window.
type StockOutcome struct {
	Ticker        string   `json:"ticker"`
	StartPrice    float64  `json:"startPrice"`
	EndPrice      float64  `json:"endPrice"`
	ChangePercent float64  `json:"changePercent"`
	Sentiment     string   `json:"sentiment,omitempty"`
	NewsEvents    []string `json:"newsEvents,omitempty"`
}

// PredictionOutcome is the resolution of a prediction market over a window.
type PredictionOutcome struct {
	MarketID         string  `json:"marketId"`
	Question         string  `json:"question"`
	Outcome          string  `json:"outcome"`
	FinalProbability float64 `json:"finalProbability"`
}

// WindowOutcome is the privileged ground truth for a window, written by the
// world simulation after the fact. It may arrive after trajectories exist;
// its absence is a valid state, not an error.
type WindowOutcome struct {
	WindowID     string                       `json:"windowId"`
	Stocks       map[string]StockOutcome      `json:"stocks,omitempty"`
	Predictions  map[string]PredictionOutcome `json:"predictions,omitempty"`
	OverallTrend string                       `json:"overallTrend,omitempty"`
	Volatility   string                       `json:"volatility,omitempty"`
	RecordedAt   time.Time                    `json:"recordedAt"`
}

// TrainingGroup is a transient set of valid trajectories from distinct agents
// sharing one window. It is never persisted beyond the batch audit record.
type TrainingGroup struct {
	WindowID     string
	Trajectories []Trajectory
	Outcome      *WindowOutcome
	AvgQuality   float64
}

// TrainingBatch status values.
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// TrainingBatch is the persisted audit record of one submitted training
// iteration.
type TrainingBatch struct {
	ID            uuid.UUID   `json:"id"`
	LineageID     string      `json:"lineageId"`
	TrajectoryIDs []uuid.UUID `json:"trajectoryIds"`
	WindowIDs     []string    `json:"windowIds"`
	DropoutRate   float64     `json:"dropoutRate"`
	JudgeScores   []float64   `json:"judgeScores"`
	JobID         string      `json:"jobId,omitempty"`
	ModelVersion  string      `json:"modelVersion,omitempty"`
	Status        string      `json:"status"`
	ErrorDetail   string      `json:"errorDetail,omitempty"`
	SubmittedAt   *time.Time  `json:"submittedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// ModelVersion is one checkpoint in a model lineage. Versions strictly
// increase within a lineage; the first version is 1.0.0.
type ModelVersion struct {
	LineageID     string    `json:"lineageId"`
	Version       string    `json:"version"`
	BaseModel     string    `json:"baseModel"`
	CheckpointRef string    `json:"checkpointRef"`
	InferenceURL  string    `json:"inferenceUrl,omitempty"`
	Parent        string    `json:"parent,omitempty"`
	BatchID       uuid.UUID `json:"batchId"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// WindowStatistics aggregates trajectory activity within one window.
type WindowStatistics struct {
	WindowID        string    `json:"windowId"`
	AgentCount      int       `json:"agentCount"`
	TrajectoryCount int       `json:"trajectoryCount"`
	TotalActions    int       `json:"totalActions"`
	AvgPnL          float64   `json:"avgPnl"`
	MinPnL          float64   `json:"minPnl"`
	MaxPnL          float64   `json:"maxPnl"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
}

// BatchSummary is reported after assembly for observability.
type BatchSummary struct {
	Windows           int     `json:"windows"`
	TotalTrajectories int     `json:"totalTrajectories"`
	AvgPerWindow      float64 `json:"avgTrajectoriesPerWindow"`
	ScoreMin          float64 `json:"scoreMin"`
	ScoreMax          float64 `json:"scoreMax"`
	ScoreAvg          float64 `json:"scoreAvg"`
	PnLMin            float64 `json:"pnlMin"`
	PnLMax            float64 `json:"pnlMax"`
	PnLAvg            float64 `json:"pnlAvg"`
}
