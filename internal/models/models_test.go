package models

import (
	"testing"
	"time"
)

func stepWithCall(index int, prompt string) TrajectoryStep {
	return TrajectoryStep{
		Index:     index,
		Timestamp: time.Now().UTC(),
		LLMCalls: []LLMCall{{
			Model:      "test-model",
			UserPrompt: prompt,
			Response:   "hold",
			Purpose:    PurposeAction,
		}},
	}
}

func TestComputeValid(t *testing.T) {
	cases := []struct {
		name  string
		steps []TrajectoryStep
		want  bool
	}{
		{"no steps", nil, false},
		{"steps without llm calls", []TrajectoryStep{{Index: 0}}, false},
		{"empty prompt", []TrajectoryStep{stepWithCall(0, "")}, false},
		{"one good call", []TrajectoryStep{stepWithCall(0, "what now?")}, true},
		{
			"good call then empty prompt",
			[]TrajectoryStep{stepWithCall(0, "state"), stepWithCall(1, "")},
			false,
		},
		{
			"mixed steps with and without calls",
			[]TrajectoryStep{{Index: 0}, stepWithCall(1, "state")},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			traj := Trajectory{Steps: tc.steps}
			if got := traj.ComputeValid(); got != tc.want {
				t.Fatalf("ComputeValid() = %v, want %v", got, tc.want)
			}
		})
	}
}
