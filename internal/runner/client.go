// Package runner is the HTTP client for the FastDeploy job execution
// service. Echoport never runs backups itself; it starts a FastDeploy job
// and polls it until the job reports a terminal state.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrJobNotFound is returned when the service reports 404 for a job id.
// A job vanishing mid-poll is fatal for the run that started it.
var ErrJobNotFound = errors.New("job not found")

// StartError means the job could not be started at all.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "start job: " + e.Err.Error() }
func (e *StartError) Unwrap() error { return e.Err }

// TransientError covers network failures and 5xx responses while polling.
// Callers retry these; they do not abort the run.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "poll job: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Client communicates with the FastDeploy API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "fastdeploy-client").Logger(),
	}
}

// Start starts a job for the named service, passing env as the job context.
// The service token already scopes the request to a registered service; the
// name is only used for logging. Returns the job id.
func (c *Client) Start(ctx context.Context, service string, env map[string]string) (int64, error) {
	payload := struct {
		Env map[string]string `json:"env"`
	}{Env: env}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, &StartError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/", bytes.NewReader(body))
	if err != nil {
		return 0, &StartError{Err: err}
	}
	c.setHeaders(req)

	c.logger.Info().Str("service", service).Msg("starting job")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &StartError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return 0, &StartError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, &StartError{Err: fmt.Errorf("decode start response: %w", err)}
	}

	c.logger.Info().Int64("job_id", out.ID).Msg("job started")
	return out.ID, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID int64) (JobStatus, error) {
	url := fmt.Sprintf("%s/jobs/%d", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JobStatus{}, &TransientError{Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobStatus{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return JobStatus{}, fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return JobStatus{}, &TransientError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return JobStatus{}, &TransientError{Err: fmt.Errorf("decode job status: %w", err)}
	}
	return status, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
}
