// Package remote implements the job.Backend interface against an external
// compute API. The remote service runs the work; this executor submits the
// job, records the remote identifier, and polls for progress.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"patchwork/internal/apperrors"
	"patchwork/internal/auth"
	"patchwork/internal/job"
	"patchwork/pkg/circuitbreaker"
)

// Remote execution states.
const (
	stateQueued    = "queued"
	stateRunning   = "running"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// Config holds configuration for the remote executor.
type Config struct {
	BaseURL          string        // compute API base URL (required)
	Token            string        // service credential, overridden by per-request credentials
	Timeout          time.Duration // per-request HTTP timeout (default 30s)
	BreakerThreshold int           // consecutive failures before the circuit opens (default 5)
	BreakerCooldown  time.Duration // time before the circuit probes again (default 30s)
}

// Executor implements job.Backend by delegating to the compute API.
type Executor struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewExecutor creates a remote executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("compute API base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Executor{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}, nil
}

type submitRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Repository  *job.Repository   `json:"repository,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID      string       `json:"id"`
	Status  string       `json:"status"`
	Logs    string       `json:"logs"`
	Error   string       `json:"error,omitempty"`
	Changes *job.Changes `json:"changes,omitempty"`
}

// Start submits the job to the compute API. The secrets travel unmasked in
// the submission body only; poll responses never echo them back.
func (e *Executor) Start(ctx context.Context, j *job.Job, creds auth.Credentials) (job.Execution, error) {
	body, err := json.Marshal(submitRequest{
		Title:       j.Title,
		Description: j.Description,
		Repository:  j.Repository,
		Branch:      j.Branch,
		Environment: j.Environment,
		Secrets:     j.Secrets,
	})
	if err != nil {
		return nil, apperrors.Internal("remote.marshalSubmit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/executions", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Internal("remote.newRequest", err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req, creds)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("remote.submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Unavailable("remote.submit", fmt.Errorf("compute API returned HTTP %d", resp.StatusCode))
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return nil, apperrors.Unavailable("remote.submit", fmt.Errorf("malformed response: %w", err))
	}
	if submitted.ID == "" {
		return nil, apperrors.Unavailable("remote.submit", fmt.Errorf("compute API returned no execution id"))
	}

	return &execution{
		executor: e,
		apiJobID: submitted.ID,
		creds:    creds,
	}, nil
}

func (e *Executor) authorize(req *http.Request, creds auth.Credentials) {
	token := creds.Token
	if token == "" {
		token = e.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// execution is a single job delegated to the compute API. The log cursor
// makes Poll return only output produced since the previous poll.
type execution struct {
	executor *Executor
	apiJobID string
	creds    auth.Credentials

	mu        sync.Mutex
	logCursor int
}

// ExternalID returns the compute API's job identifier.
func (x *execution) ExternalID() string {
	return x.apiJobID
}

// Poll queries the remote execution's status. Network failures and remote
// 5xx responses are transient; the circuit breaker keeps a flapping remote
// from being hammered.
func (x *execution) Poll(ctx context.Context) (job.Progress, error) {
	var status statusResponse
	err := x.executor.breaker.Do(func() error {
		return x.fetchStatus(ctx, &status)
	})
	if err != nil {
		if permanent, ok := err.(*permanentError); ok {
			return job.Progress{
				Done: true,
				Outcome: &job.Outcome{
					Success: false,
					Reason:  permanent.reason,
				},
			}, nil
		}
		return job.Progress{}, err
	}

	progress := job.Progress{Output: x.takeDelta(status.Logs)}

	switch status.Status {
	case stateCompleted:
		progress.Done = true
		progress.Outcome = &job.Outcome{Success: true, Changes: status.Changes}
	case stateFailed:
		reason := status.Error
		if reason == "" {
			reason = "remote execution failed"
		}
		progress.Done = true
		progress.Outcome = &job.Outcome{Success: false, Reason: reason}
	case stateQueued, stateRunning:
		// still in flight
	default:
		progress.Done = true
		progress.Outcome = &job.Outcome{
			Success: false,
			Reason:  fmt.Sprintf("compute API reported unknown state %q", status.Status),
		}
	}

	return progress, nil
}

// permanentError marks a remote response that retrying cannot fix.
type permanentError struct {
	reason string
}

func (e *permanentError) Error() string {
	return e.reason
}

func (x *execution) fetchStatus(ctx context.Context, out *statusResponse) error {
	url := fmt.Sprintf("%s/v1/executions/%s", x.executor.baseURL, x.apiJobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	x.executor.authorize(req, x.creds)

	resp, err := x.executor.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The remote no longer knows this execution; retrying cannot help.
		return &permanentError{reason: fmt.Sprintf("compute API rejected status query with HTTP %d", resp.StatusCode)}
	default:
		return fmt.Errorf("compute API returned HTTP %d", resp.StatusCode)
	}
}

func (x *execution) takeDelta(cumulative string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(cumulative) <= x.logCursor {
		return ""
	}
	delta := cumulative[x.logCursor:]
	x.logCursor = len(cumulative)
	return delta
}

// Cancel asks the compute API to terminate the execution. Best effort.
func (x *execution) Cancel(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/executions/%s", x.executor.baseURL, x.apiJobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	x.executor.authorize(req, x.creds)

	resp, err := x.executor.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

var _ job.Backend = (*Executor)(nil)
