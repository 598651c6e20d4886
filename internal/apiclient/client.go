// Package apiclient is the HTTP client for the render-queue control
// plane, used by the renderctl CLI and by other services that enqueue
// render work.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Papyszoo/Modelibr-sub007/internal/api"
)

type Client struct {
	baseURL string
	hc      *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// EnqueueParams mirrors the enqueue request body.
type EnqueueParams struct {
	SubjectType        string `json:"subjectType"`
	SubjectID          int64  `json:"subjectId"`
	ContentFingerprint string `json:"contentFingerprint"`
	MaxAttempts        int    `json:"maxAttempts,omitempty"`
	LockTimeoutSeconds int    `json:"lockTimeoutSeconds,omitempty"`
}

func (c *Client) Enqueue(ctx context.Context, p EnqueueParams) (api.EnqueueResponse, error) {
	var out api.EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", p, &out)
	return out, err
}

func (c *Client) GetJob(ctx context.Context, jobID string) (api.JobResponse, error) {
	var out api.JobResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

func (c *Client) ListJobs(ctx context.Context, status, subjectType string, limit int) ([]api.JobResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if subjectType != "" {
		q.Set("subjectType", subjectType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []api.JobResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

func (c *Client) ResetJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/reset", nil, nil)
}

func (c *Client) QueueHealth(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/queue/health", nil, &out)
	return out, err
}

// envelope mirrors api.Response with a raw data payload.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s (status %d)", method, path, env.Error, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
