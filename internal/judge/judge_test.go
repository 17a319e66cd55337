package judge_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalalune/babylon-train/internal/converter"
	"github.com/lalalune/babylon-train/internal/judge"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func groupOf(n int) converter.GroupInput {
	input := converter.GroupInput{WindowID: "2025-05-01T10:00", Context: "ctx"}
	for i := 0; i < n; i++ {
		input.Examples = append(input.Examples, converter.Example{
			Metrics: converter.ExampleMetrics{FinalPnL: float64(i*100 - 100), Steps: 10},
		})
	}
	return input
}

func newClient(t *testing.T, fn roundTripFunc) *judge.HTTPClient {
	t.Helper()
	client, err := judge.NewHTTPClient(judge.HTTPClientConfig{
		BaseURL:    "http://judge",
		HTTPClient: &http.Client{Transport: fn},
	})
	require.NoError(t, err)
	return client
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

func TestHTTPClientScoresGroup(t *testing.T) {
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/v1/score-group", r.URL.Path)
		return jsonResponse(http.StatusOK, `{"scores":[0.2,0.8,0.5],"rationales":["a","b","c"]}`), nil
	})

	scores, err := client.ScoreGroup(context.Background(), groupOf(3))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.8, 0.5}, scores.Scores)
}

func TestHTTPClientErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		fn   roundTripFunc
		want error
	}{
		{
			"transport failure is unavailable",
			func(r *http.Request) (*http.Response, error) { return nil, errors.New("connection refused") },
			judge.ErrUnavailable,
		},
		{
			"5xx is unavailable",
			func(r *http.Request) (*http.Response, error) { return jsonResponse(http.StatusBadGateway, ""), nil },
			judge.ErrUnavailable,
		},
		{
			"429 is unavailable",
			func(r *http.Request) (*http.Response, error) { return jsonResponse(http.StatusTooManyRequests, ""), nil },
			judge.ErrUnavailable,
		},
		{
			"bad json is malformed",
			func(r *http.Request) (*http.Response, error) { return jsonResponse(http.StatusOK, `{"scores":`), nil },
			judge.ErrMalformedResponse,
		},
		{
			"score count mismatch is malformed",
			func(r *http.Request) (*http.Response, error) { return jsonResponse(http.StatusOK, `{"scores":[0.5]}`), nil },
			judge.ErrMalformedResponse,
		},
		{
			"out of range score is malformed",
			func(r *http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{"scores":[0.5,1.5,0.1]}`), nil
			},
			judge.ErrMalformedResponse,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newClient(t, tc.fn)
			_, err := client.ScoreGroup(context.Background(), groupOf(3))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestHeuristicClientRelativeOrdering(t *testing.T) {
	client := judge.NewHeuristicClient()
	scores, err := client.ScoreGroup(context.Background(), groupOf(3))
	require.NoError(t, err)
	require.Len(t, scores.Scores, 3)

	// Higher P&L must not score lower.
	assert.Less(t, scores.Scores[0], scores.Scores[1])
	assert.Less(t, scores.Scores[1], scores.Scores[2])
	for _, s := range scores.Scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
	require.NoError(t, judge.Validate(scores, 3))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, judge.Validate(judge.GroupScores{Scores: []float64{0, 0.5, 1}}, 3))
	assert.ErrorIs(t, judge.Validate(judge.GroupScores{Scores: []float64{0.5}}, 2), judge.ErrMalformedResponse)
	assert.ErrorIs(t, judge.Validate(judge.GroupScores{Scores: []float64{-0.1}}, 1), judge.ErrMalformedResponse)
}
