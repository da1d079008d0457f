package client

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
)

// Client provides typed access to the sitestack job API for operator tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Job mirrors the job status payload.
type Job struct {
	ID            string          `json:"id"`
	JobType       string          `json:"job_type"`
	EnvironmentID string          `json:"environment_id"`
	Status        string          `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// SubmitJobRequest is the body of a job submission.
type SubmitJobRequest struct {
	JobType       string          `json:"job_type"`
	EnvironmentID string          `json:"environment_id"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}

// Allocation mirrors an allocation diagnostics row.
type Allocation struct {
	EnvironmentID string    `json:"environment_id"`
	ResourceClass string    `json:"resource_class"`
	Value         int       `json:"value"`
	AllocatedAt   time.Time `json:"allocated_at"`
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// IssueToken exchanges the operator password for a token.
func (c *Client) IssueToken(ctx context.Context, subject, password string) (Token, error) {
	var out Token
	body := map[string]string{"subject": subject, "password": password}
	err := c.do(ctx, http.MethodPost, "/auth/token", body, &out)
	return out, err
}

// SubmitJob enqueues a job.
func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodPost, "/jobs", req, &out)
	return out, err
}

// GetJob fetches the current status of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

// ListEnvironmentJobs lists the most recent jobs of an environment.
func (c *Client) ListEnvironmentJobs(ctx context.Context, environmentID string, limit int) ([]Job, error) {
	var out []Job
	path := fmt.Sprintf("/environments/%s/jobs?limit=%d", url.PathEscape(environmentID), limit)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ListJobsByStatus lists jobs in one status.
func (c *Client) ListJobsByStatus(ctx context.Context, status string, limit int) ([]Job, error) {
	var out []Job
	q := url.Values{"status": {status}, "limit": {fmt.Sprint(limit)}}
	err := c.do(ctx, http.MethodGet, "/jobs?"+q.Encode(), nil, &out)
	return out, err
}

// ListAllocations lists the active allocations of a resource class.
func (c *Client) ListAllocations(ctx context.Context, class string) ([]Allocation, error) {
	var out []Allocation
	err := c.do(ctx, http.MethodGet, "/allocations?class="+url.QueryEscape(class), nil, &out)
	return out, err
}
