package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient implements Client over a REST training service. Submit and
// Status retry transient failures a bounded number of times; Cancel is
// best-effort.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Submit(ctx context.Context, spec BatchSpec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("backend marshal spec: %w", err)
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &out); err != nil {
		return "", fmt.Errorf("backend submit: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("backend submit: empty job id")
	}
	return out.JobID, nil
}

func (c *HTTPClient) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var status JobStatus
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &status); err != nil {
		return JobStatus{}, fmt.Errorf("backend status: %w", err)
	}
	return status, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("backend cancel: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
		if err != nil {
			cancel()
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			err = decodeResponse(resp, out)
			resp.Body.Close()
			if err == nil {
				return nil
			}
			lastErr = err
			if !retryable(resp.StatusCode) {
				return lastErr
			}
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	}
	return lastErr
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
