package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/retry"
)

// Config configures the job queue API client.
type Config struct {
	// BaseURL is the job queue API root.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Token authenticates this worker against the API.
	Token string `mapstructure:"token" yaml:"token"`
	// RequestTimeout is the per-call timeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Client is the HTTP implementation of API.
type Client struct {
	cfg  Config
	http *http.Client
}

// Compile-time interface check.
var _ API = (*Client)(nil)

// NewClient creates a job queue API client.
func NewClient(cfg Config) (*Client, error) {
	cfg.SetDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("job queue base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse job queue base url: %w", err)
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

// ClaimNext atomically claims the next job for the bot, or (nil, nil).
func (c *Client) ClaimNext(ctx context.Context, botCode string) (*domain.Job, error) {
	var job *domain.Job
	err := c.call(ctx, http.MethodPost, "/jobs/claim", map[string]any{"botCode": botCode}, &job)
	if err != nil {
		return nil, fmt.Errorf("claim next job for %s: %w", botCode, err)
	}
	return job, nil
}

// Patch applies a partial update and returns the updated job.
func (c *Client) Patch(ctx context.Context, jobID string, fields map[string]any) (*domain.Job, error) {
	var job *domain.Job
	err := c.call(ctx, http.MethodPatch, "/jobs/"+jobID, fields, &job)
	if err != nil {
		return nil, fmt.Errorf("patch job %s: %w", jobID, err)
	}
	return job, nil
}

// AppendCompletedDiff adds one difficulty to the job's completed set.
func (c *Client) AppendCompletedDiff(ctx context.Context, jobID string, diff int) error {
	err := c.call(ctx, http.MethodPost, "/jobs/"+jobID+"/progress", map[string]any{"diff": diff}, nil)
	if err != nil {
		return fmt.Errorf("append completed diff %d to job %s: %w", diff, jobID, err)
	}
	return nil
}

// Get fetches one job by id.
func (c *Client) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	if err := c.call(ctx, http.MethodGet, "/jobs/"+jobID, nil, &job); err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListActiveFriendCodes returns target codes with a live job on the bot.
func (c *Client) ListActiveFriendCodes(ctx context.Context, botCode string) ([]string, error) {
	var codes []string
	if err := c.call(ctx, http.MethodGet, "/bots/"+botCode+"/active-friend-codes", nil, &codes); err != nil {
		return nil, fmt.Errorf("list active friend codes of %s: %w", botCode, err)
	}
	return codes, nil
}

// ListIdleUpdateFriendCodes returns target codes opted into idle updates.
func (c *Client) ListIdleUpdateFriendCodes(ctx context.Context, botCode string) ([]string, error) {
	var codes []string
	if err := c.call(ctx, http.MethodGet, "/bots/"+botCode+"/idle-update-friend-codes", nil, &codes); err != nil {
		return nil, fmt.Errorf("list idle update friend codes of %s: %w", botCode, err)
	}
	return codes, nil
}

// call performs one JSON request with transient-failure retry.
// A 204 response leaves out untouched, which callers use as "no job".
func (c *Client) call(ctx context.Context, method, path string, payload any, out any) error {
	return retry.DoWithDefaults(ctx, func() error {
		var body io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			body = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("job queue api temporary failure: status %d", resp.StatusCode)
		default:
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &APIError{Status: resp.StatusCode, Body: string(raw)}
		}
	})
}

// APIError is a non-retryable job queue API rejection.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("job queue api status %d: %s", e.Status, e.Body)
}
