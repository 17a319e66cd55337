package judge

import (
	"context"

	"github.com/lalalune/babylon-train/internal/converter"
)

// HeuristicClient scores groups without any external calls: 50% P&L, 30% win
// rate, 20% activity. It backs offline runs and tests and doubles as the
// fallback when no judge endpoint is configured.
type HeuristicClient struct{}

func NewHeuristicClient() *HeuristicClient {
	return &HeuristicClient{}
}

func (c *HeuristicClient) ScoreGroup(ctx context.Context, input converter.GroupInput) (GroupScores, error) {
	scores := GroupScores{Scores: make([]float64, len(input.Examples))}
	for i, ex := range input.Examples {
		scores.Scores[i] = heuristicScore(ex.Metrics.FinalPnL, ex.Metrics.Steps)
	}
	return scores, nil
}

func heuristicScore(pnl float64, steps int) float64 {
	// P&L normalized from [-1000, +1000] into [0, 1].
	pnlScore := (pnl + 1000) / 2000
	if pnlScore < 0 {
		pnlScore = 0
	}
	if pnlScore > 1 {
		pnlScore = 1
	}

	winRate := 0.5
	switch {
	case pnl > 0:
		winRate = 1
	case pnl < 0:
		winRate = 0
	}

	activity := float64(steps) / 20
	if activity > 1 {
		activity = 1
	}

	return 0.5*pnlScore + 0.3*winRate + 0.2*activity
}
