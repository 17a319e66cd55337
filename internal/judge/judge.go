// Package judge wraps the external reward judge behind a single client
// interface with a tagged error taxonomy: unavailability is retryable,
// a malformed response is terminal for the group.
package judge

import (
	"context"
	"errors"

	"github.com/lalalune/babylon-train/internal/converter"
)

var (
	// ErrUnavailable marks transient judge failures worth retrying.
	ErrUnavailable = errors.New("judge unavailable")
	// ErrMalformedResponse marks a response that cannot be trusted; the
	// group is skipped, never retried.
	ErrMalformedResponse = errors.New("judge returned malformed response")
)

// GroupScores carries one score per input example, aligned 1:1, in [0,1].
// Rationales are audit-only and may be empty.
type GroupScores struct {
	Scores     []float64 `json:"scores"`
	Rationales []string  `json:"rationales,omitempty"`
}

// Client scores a whole group in one call. Batched relative judging is what
// makes the group signal meaningful; never score trajectories one at a time.
type Client interface {
	ScoreGroup(ctx context.Context, input converter.GroupInput) (GroupScores, error)
}

// Rubric is sent to LLM judges alongside the group context.
const Rubric = `Evaluate the agent's trading decisions given the market outcomes.

SCORING CRITERIA:

1. PROFIT/LOSS (40%)
   - Did trades result in profit?
   - Magnitude relative to market movement

2. MARKET TIMING (30%)
   - Buy before rallies, sell before crashes?
   - Entry/exit points vs actual price action

3. RISK MANAGEMENT (20%)
   - Appropriate position sizing?
   - Avoided concentration in crashing assets?
   - Cut losses quickly?

4. OPPORTUNITY CAPTURE (10%)
   - Identified high-momentum moves?
   - Participated in trends?
   - Avoided false signals?

CONTEXT CONSIDERATIONS:
- Small loss in crashing market > small gain in rallying market
- Judge decision quality, not just outcome
- Consider information available at decision time

SCORING SCALE:
0.9-1.0: Excellent - Strong timing, risk management, trend capture
0.7-0.8: Good - Profitable with minor mistakes
0.5-0.6: Average - Break-even or small profit/loss
0.3-0.4: Poor - Significant losses or missed opportunities
0.0-0.2: Very poor - Large losses or terrible timing`
