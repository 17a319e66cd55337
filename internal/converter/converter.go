// Package converter turns trainable groups into judge-ready examples. Ground
// truth is rendered as natural-language context for the judge; it is never
// algebraically combined with the judge's score. Sampling is seeded per
// iteration so a batch can be reproduced from its audit record.
package converter

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/lalalune/babylon-train/internal/models"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExampleMeta identifies where an example came from.
type ExampleMeta struct {
	WindowID     string `json:"windowId"`
	AgentID      string `json:"agentId"`
	TrajectoryID string `json:"trajectoryId"`
	Dropped      bool   `json:"dropped"`
}

type ExampleMetrics struct {
	FinalPnL float64 `json:"finalPnl"`
	Steps    int     `json:"steps"`
}

// Example is one trajectory rendered as a message sequence, ready for the
// judge and (after scoring) for the training backend.
type Example struct {
	Messages []Message      `json:"messages"`
	Reward   float64        `json:"reward"`
	Metadata ExampleMeta    `json:"metadata"`
	Metrics  ExampleMetrics `json:"metrics"`
}

// GroupInput is the per-window judge request: surviving examples plus one
// shared context blob.
type GroupInput struct {
	WindowID    string    `json:"windowId"`
	Context     string    `json:"context"`
	Examples    []Example `json:"examples"`
	DropoutRate float64   `json:"dropoutRate"`
}

type Config struct {
	TargetCount    int
	MaxDropoutRate float64
}

type Converter struct {
	cfg Config
}

func New(cfg Config) *Converter {
	return &Converter{cfg: cfg}
}

// DropoutRate is 0 when n fits the target, otherwise the fraction that would
// bring n down to the target, capped at max.
func DropoutRate(n, target int, max float64) float64 {
	if target <= 0 || n <= target {
		return 0
	}
	needed := 1.0 - float64(target)/float64(n)
	return math.Min(max, needed)
}

// Sample drops floor(rate*n) trajectories uniformly without replacement. The
// seed fixes the permutation, so the same iteration always drops the same
// trajectories.
func Sample(trajs []models.Trajectory, rate float64, seed int64) []models.Trajectory {
	drop := int(math.Floor(rate * float64(len(trajs))))
	if drop <= 0 {
		return trajs
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(trajs))
	kept := make([]models.Trajectory, 0, len(trajs)-drop)
	for _, idx := range perm[drop:] {
		kept = append(kept, trajs[idx])
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].AgentID < kept[j].AgentID })
	return kept
}

// ConvertGroup applies dropout and renders the surviving trajectories. The
// dropout happens before judging, which also bounds judge-call cost.
func (c *Converter) ConvertGroup(group *models.TrainingGroup, seed int64) (GroupInput, error) {
	n := len(group.Trajectories)
	if n == 0 {
		return GroupInput{}, fmt.Errorf("empty group for window %s", group.WindowID)
	}
	rate := DropoutRate(n, c.cfg.TargetCount, c.cfg.MaxDropoutRate)
	kept := Sample(group.Trajectories, rate, seed)

	input := GroupInput{
		WindowID:    group.WindowID,
		Context:     RenderContext(group.WindowID, group.Outcome),
		DropoutRate: rate,
	}
	for _, traj := range kept {
		input.Examples = append(input.Examples, convertTrajectory(traj))
	}
	return input, nil
}

func convertTrajectory(traj models.Trajectory) Example {
	msgs := []Message{{
		Role:    "system",
		Content: fmt.Sprintf("You are a trading agent in a persistent prediction-market world. Agent: %s. Window: %s.", traj.AgentID, traj.WindowID),
	}}
	for _, step := range traj.Steps {
		if len(step.LLMCalls) > 0 {
			call := step.LLMCalls[0]
			msgs = append(msgs,
				Message{Role: "user", Content: call.UserPrompt},
				Message{Role: "assistant", Content: call.Response},
			)
			continue
		}
		// Steps without an LLM call still carry signal: render state and action.
		env := step.EnvironmentState
		msgs = append(msgs,
			Message{Role: "user", Content: fmt.Sprintf("Balance: $%.0f, P&L: $%.0f, Positions: %d", env.AgentBalance, env.AgentPnL, env.OpenPositions)},
			Message{Role: "assistant", Content: renderAction(step.Action)},
		)
	}
	return Example{
		Messages: msgs,
		Metadata: ExampleMeta{
			WindowID:     traj.WindowID,
			AgentID:      traj.AgentID,
			TrajectoryID: traj.ID.String(),
			Dropped:      false,
		},
		Metrics: ExampleMetrics{FinalPnL: traj.FinalPnL, Steps: len(traj.Steps)},
	}
}

func renderAction(action models.Action) string {
	if len(action.Parameters) == 0 {
		return action.Type
	}
	return action.Type + " " + string(action.Parameters)
}

// RenderContext builds the shared judge context for a window. When ground
// truth exists it is spelled out as outcomes the agents could not have known;
// when it is absent the judge scores on action quality alone.
func RenderContext(windowID string, outcome *models.WindowOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are evaluating trading agent decisions.\n\nTIME WINDOW: %s\n", windowID)

	if outcome != nil && (len(outcome.Stocks) > 0 || len(outcome.Predictions) > 0) {
		b.WriteString("\nMARKET OUTCOMES (ground truth the agents did not know):\n")
		for _, ticker := range sortedKeys(outcome.Stocks) {
			stock := outcome.Stocks[ticker]
			fmt.Fprintf(&b, "\n%s:\n  Price: $%.2f -> $%.2f (%+.1f%%)\n", stock.Ticker, stock.StartPrice, stock.EndPrice, stock.ChangePercent)
			if stock.Sentiment != "" {
				fmt.Fprintf(&b, "  Sentiment: %s\n", stock.Sentiment)
			}
			if len(stock.NewsEvents) > 0 {
				fmt.Fprintf(&b, "  News: %s\n", stock.NewsEvents[0])
			}
		}
		for _, id := range sortedKeys(outcome.Predictions) {
			pred := outcome.Predictions[id]
			fmt.Fprintf(&b, "\n%s: resolved %s (final probability %.2f)\n", pred.Question, pred.Outcome, pred.FinalProbability)
		}
		if outcome.OverallTrend != "" {
			fmt.Fprintf(&b, "\nOverall trend: %s", outcome.OverallTrend)
		}
		if outcome.Volatility != "" {
			fmt.Fprintf(&b, "\nVolatility: %s", outcome.Volatility)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nEvaluate each agent's decisions given what actually happened.")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
