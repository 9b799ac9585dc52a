package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

var (
	// ErrCapacity maps the orchestrator's 429: the target filled up
	// between assignment and submission, or admission is saturated.
	ErrCapacity = errors.New("orchestrator capacity exceeded")

	// ErrQuota maps the orchestrator's 403 admission quota rejection
	ErrQuota = errors.New("orchestrator quota exhausted")

	// ErrUnavailable covers 5xx and transport failures; retryable
	ErrUnavailable = errors.New("orchestrator unavailable")

	// ErrJobNotFound maps a 404 on status/logs/delete
	ErrJobNotFound = errors.New("job not found")
)

// PermanentError is any 4xx the dispatcher must not retry
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("orchestrator rejected request: %d %s", e.StatusCode, e.Body)
}

// ExecuteRequest is the POST /execute payload
type ExecuteRequest struct {
	EvalID         string  `json:"eval_id"`
	Code           string  `json:"code"`
	Language       string  `json:"language"`
	TimeoutSeconds int     `json:"timeout_s"`
	MemoryLimit    int64   `json:"memory_limit"`
	CPULimit       float64 `json:"cpu_limit"`
}

type executeResponse struct {
	JobName string `json:"job_name"`
}

type logsResponse struct {
	Logs string `json:"logs"`
}

// JobSummary is one entry from GET /jobs, used for reconciliation
type JobSummary struct {
	JobName   string `json:"job_name"`
	EvalID    string `json:"eval_id"`
	Active    int    `json:"active"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// Config holds orchestrator client configuration
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	WatchLabel     string
}

// Client talks to the execution orchestrator over its internal HTTP API.
// A circuit breaker sits in front of the unary calls so a down
// orchestrator sheds load fast instead of tying up dispatch workers in
// timeouts; the long-lived watch stream bypasses it.
type Client struct {
	baseURL    string
	watchLabel string
	http       *http.Client
	watchHTTP  *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates an orchestrator client
func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "orchestrator",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		watchLabel: cfg.WatchLabel,
		http:       &http.Client{Timeout: timeout},
		watchHTTP:  &http.Client{}, // no timeout: the watch is long-lived
		breaker:    breaker,
		logger:     log.WithComponent("orchestrator-client"),
	}
}

// Execute submits a task for execution and returns the job name
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execute request: %w", err)
	}

	var resp executeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/execute", body, &resp); err != nil {
		return "", err
	}
	if resp.JobName == "" {
		return "", fmt.Errorf("orchestrator returned empty job name")
	}
	return resp.JobName, nil
}

// Status fetches the orchestrator's view of a job
func (c *Client) Status(ctx context.Context, jobName string) (*types.JobStatus, error) {
	var status types.JobStatus
	if err := c.doJSON(ctx, http.MethodGet, "/status/"+url.PathEscape(jobName), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Logs fetches captured job output, bounded to maxBytes
func (c *Client) Logs(ctx context.Context, jobName string, maxBytes int) (string, error) {
	var resp logsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/logs/"+url.PathEscape(jobName), nil, &resp); err != nil {
		return "", err
	}
	return types.TruncateOutput(resp.Logs, maxBytes), nil
}

// DeleteJob deletes an orchestrator job. Deleting an absent job returns
// ErrJobNotFound, which cancellation and the orphan reaper both treat as
// success.
func (c *Client) DeleteJob(ctx context.Context, jobName string) error {
	return c.doJSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobName), nil, nil)
}

// ListJobs returns all jobs bearing the platform label
func (c *Client) ListJobs(ctx context.Context) ([]JobSummary, error) {
	var jobs []JobSummary
	path := "/jobs?label=" + url.QueryEscape(c.watchLabel)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Watch opens the job-event stream (NDJSON), filtered by the platform
// label. The channel closes when the stream ends or ctx is cancelled;
// the monitor owns reconnection.
func (c *Client) Watch(ctx context.Context) (<-chan types.JobEvent, error) {
	path := c.baseURL + "/watch?label=" + url.QueryEscape(c.watchLabel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build watch request: %w", err)
	}

	resp, err := c.watchHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, "")
	}

	events := make(chan types.JobEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var event types.JobEvent
			if err := json.Unmarshal(line, &event); err != nil {
				c.logger.Warn().Err(err).Msg("dropping undecodable watch event")
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus(resp.StatusCode, string(data))
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return err
	}

	if out == nil {
		return nil
	}
	data := result.([]byte)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func classifyStatus(code int, body string) error {
	switch {
	case code == http.StatusForbidden:
		return ErrQuota
	case code == http.StatusTooManyRequests:
		return ErrCapacity
	case code == http.StatusNotFound:
		return ErrJobNotFound
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return &PermanentError{StatusCode: code, Body: body}
	}
}
