// Package backup talks to the backup agent that snapshots and restores
// environment volumes and databases. Jobs only keep the bookkeeping.
package backup

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

	"github.com/splax/sitestack/pkg/retry"
)

// Client calls the backup agent HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRetry sets the policy for transport errors and 5xx responses.
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New constructs a Client for the agent at base.
func New(base string, timeout time.Duration, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("backup agent url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid backup agent url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.Exponential(3, time.Second, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SnapshotRequest asks the agent to snapshot an environment.
type SnapshotRequest struct {
	EnvironmentID string `json:"environment_id"`
	VolumeRoot    string `json:"volume_root"`
	DBName        string `json:"db_name"`
	Label         string `json:"label,omitempty"`
}

// Snapshot describes a stored backup.
type Snapshot struct {
	ID        string    `json:"snapshot_id"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// RestoreRequest asks the agent to restore a snapshot into an environment.
type RestoreRequest struct {
	EnvironmentID string `json:"environment_id"`
	SnapshotID    string `json:"snapshot_id"`
	VolumeRoot    string `json:"volume_root"`
	DBName        string `json:"db_name"`
}

// Restore reports a completed restore.
type Restore struct {
	SnapshotID string    `json:"snapshot_id"`
	RestoredAt time.Time `json:"restored_at"`
}

// AgentError is a non-2xx agent response.
type AgentError struct {
	Status  int
	Message string
}

func (e *AgentError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backup agent returned status %d", e.Status)
	}
	return fmt.Sprintf("backup agent returned status %d: %s", e.Status, e.Message)
}

// CreateSnapshot requests a new snapshot.
func (c *Client) CreateSnapshot(ctx context.Context, req SnapshotRequest) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodPost, "/v1/snapshots", req, &out)
	return out, err
}

// RestoreSnapshot restores a snapshot.
func (c *Client) RestoreSnapshot(ctx context.Context, req RestoreRequest) (Restore, error) {
	var out Restore
	err := c.do(ctx, http.MethodPost, "/v1/restores", req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(fmt.Errorf("perform request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			agentErr := &AgentError{Status: resp.StatusCode, Message: extractError(resp.Body)}
			if resp.StatusCode >= http.StatusInternalServerError {
				return retry.Retryable(agentErr)
			}
			return agentErr
		}
		if v == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func extractError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
