package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lalalune/babylon-train/internal/converter"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Model      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient talks to an LLM-as-judge service. Transport and 5xx failures
// surface as ErrUnavailable; anything the caller cannot trust (bad JSON,
// score count mismatch, out-of-range scores) surfaces as
// ErrMalformedResponse.
type HTTPClient struct {
	baseURL string
	path    string
	model   string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("judge base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/score-group"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
	}, nil
}

type scoreGroupRequest struct {
	Model    string              `json:"model,omitempty"`
	Rubric   string              `json:"rubric"`
	Context  string              `json:"context"`
	Examples []converter.Example `json:"examples"`
}

func (c *HTTPClient) ScoreGroup(ctx context.Context, input converter.GroupInput) (GroupScores, error) {
	body, err := json.Marshal(scoreGroupRequest{
		Model:    c.model,
		Rubric:   Rubric,
		Context:  input.Context,
		Examples: input.Examples,
	})
	if err != nil {
		return GroupScores{}, fmt.Errorf("judge marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return GroupScores{}, fmt.Errorf("judge build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return GroupScores{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return GroupScores{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return GroupScores{}, fmt.Errorf("%w: unexpected status %s", ErrMalformedResponse, resp.Status)
	}

	var scores GroupScores
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return GroupScores{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := Validate(scores, len(input.Examples)); err != nil {
		return GroupScores{}, err
	}
	return scores, nil
}

// Validate checks alignment and range of a judge response.
func Validate(scores GroupScores, want int) error {
	if len(scores.Scores) != want {
		return fmt.Errorf("%w: got %d scores for %d examples", ErrMalformedResponse, len(scores.Scores), want)
	}
	for i, s := range scores.Scores {
		if s < 0 || s > 1 {
			return fmt.Errorf("%w: score[%d]=%f outside [0,1]", ErrMalformedResponse, i, s)
		}
	}
	return nil
}
