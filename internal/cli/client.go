package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ingestor/internal/coordinator"
	"ingestor/internal/job"
)

// Client is a minimal client for the coordinator HTTP API.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// EnqueueResponse mirrors the body of POST /v1/jobs.
type EnqueueResponse struct {
	Job     *job.Job `json:"job,omitempty"`
	Skipped bool     `json:"skipped"`
	Keys    []string `json:"skippedTargets,omitempty"`
}

// DeployResponse mirrors the body of POST /v1/artifacts.
type DeployResponse struct {
	Hash    string `json:"hash"`
	Created bool   `json:"created"`
}

// NewClient creates a client for the coordinator at base.
func NewClient(base, apiKey string, timeout time.Duration) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Enqueue submits one job request.
func (c *Client) Enqueue(ctx context.Context, req job.Request) (*EnqueueResponse, error) {
	var out EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Jobs lists jobs, optionally filtered by state.
func (c *Client) Jobs(ctx context.Context, states []string, limit int) ([]*job.Job, error) {
	q := url.Values{}
	if len(states) > 0 {
		q.Set("state", strings.Join(states, ","))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out []*job.Job
	return out, c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &out)
}

// Job returns one job with its transition history.
func (c *Client) Job(ctx context.Context, id string) (*coordinator.JobDetail, error) {
	var out coordinator.JobDetail
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abort requests cancellation of a job.
func (c *Client) Abort(ctx context.Context, id, reason string) (*job.Job, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out job.Job
	if err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deploy registers an artifact.
func (c *Client) Deploy(ctx context.Context, a job.Artifact) (*DeployResponse, error) {
	var out DeployResponse
	if err := c.do(ctx, http.MethodPost, "/v1/artifacts", nil, a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workers lists worker registrations.
func (c *Client) Workers(ctx context.Context) ([]job.Worker, error) {
	var out []job.Worker
	return out, c.do(ctx, http.MethodGet, "/v1/workers", nil, nil, &out)
}

// Materializations lists materializations of a source file.
func (c *Client) Materializations(ctx context.Context, sourceHash string) ([]job.Materialization, error) {
	q := url.Values{}
	if sourceHash != "" {
		q.Set("source_hash", sourceHash)
	}
	var out []job.Materialization
	return out, c.do(ctx, http.MethodGet, "/v1/materializations", q, nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
