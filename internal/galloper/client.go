// Package galloper is the HTTP client for the control plane: artifact
// downloads, result delivery and callback task lookups.
package galloper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mattkinnersley/interceptor/internal/task"
)

// ErrDeliveryFailed is returned when a result could not be posted after all
// retries.
var ErrDeliveryFailed = errors.New("result delivery failed")

// ExecutionResult is the body posted for every lambda invocation.
type ExecutionResult struct {
	TS      int64  `json:"ts"`
	Results string `json:"results"`
	Stderr  string `json:"stderr"`
}

// NewExecutionResult stamps a result with the current time.
func NewExecutionResult(results, stderr string) ExecutionResult {
	return ExecutionResult{TS: time.Now().Unix(), Results: results, Stderr: stderr}
}

// Client talks to one control plane with one bearer token.
type Client struct {
	baseURL         string
	token           string
	http            *http.Client
	retries         uint64
	initialInterval time.Duration
	logger          zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetries sets how many times a result POST is retried after the first
// attempt, and the first backoff interval.
func WithRetries(n int, initial time.Duration) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.retries = uint64(n)
		if initial > 0 {
			c.initialInterval = initial
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		http:            &http.Client{Timeout: 5 * time.Minute},
		retries:         5,
		initialInterval: 500 * time.Millisecond,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the control plane address without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchArtifact downloads {project}/{zippath} into dst.
func (c *Client) FetchArtifact(ctx context.Context, projectID, zippath, dst string) error {
	endpoint := fmt.Sprintf("%s/api/v1/artifacts/%s/%s",
		c.baseURL, url.PathEscape(projectID), strings.TrimLeft(zippath, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building artifact request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading artifact: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return f.Close()
}

// PostResults delivers a result, retrying transient failures with
// exponential backoff. The final failure wraps ErrDeliveryFailed.
func (c *Client) PostResults(ctx context.Context, taskID, taskToken string, result ExecutionResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	endpoint := fmt.Sprintf("%s/api/v1/task/%s/results", c.baseURL, url.PathEscape(taskID))

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Token", taskToken)
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("task_id", taskID).Msg("result post failed")
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			err := fmt.Errorf("unexpected status %d", resp.StatusCode)
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("task_id", taskID).Msg("result post failed")
			return err
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, attempt, err)
	}
	return nil
}

// FetchTask loads the callback task definition that continues a chain.
func (c *Client) FetchTask(ctx context.Context, projectID, taskID string) (*task.Task, error) {
	endpoint := fmt.Sprintf("%s/api/v1/task/%s/%s?exec=True",
		c.baseURL, url.PathEscape(projectID), url.PathEscape(taskID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching task %s: unexpected status %d", taskID, resp.StatusCode)
	}

	var t task.Task
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &t, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "bearer "+c.token)
	}
}
