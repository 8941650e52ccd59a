package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"patchwork/internal/apperrors"
	"patchwork/internal/auth"
	"patchwork/internal/job"
	"patchwork/pkg/circuitbreaker"
)

func testJob() *job.Job {
	return &job.Job{
		ID:         "job-1",
		Title:      "Fix bug",
		Status:     job.StatusPending,
		Author:     "alice",
		Repository: &job.Repository{URL: "https://github.com/acme/repo"},
		Secrets:    map[string]string{"TOKEN": "raw-secret"},
	}
}

func newTestExecutor(t *testing.T, baseURL string) *Executor {
	t.Helper()
	e, err := NewExecutor(Config{BaseURL: baseURL, Token: "service-token", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}
	return e
}

func TestNewExecutorRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := NewExecutor(Config{}); err == nil {
		t.Error("NewExecutor() with empty base URL should fail")
	}
}

func TestStartSubmitsJob(t *testing.T) {
	t.Parallel()

	var submitted submitRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/executions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&submitted); err != nil {
			t.Errorf("decode submission: %v", err)
		}
		json.NewEncoder(w).Encode(submitResponse{ID: "ext-7"})
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	exec, err := e.Start(context.Background(), testJob(), auth.Credentials{Username: "alice", Token: "user-token"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if exec.ExternalID() != "ext-7" {
		t.Errorf("ExternalID() = %q, want ext-7", exec.ExternalID())
	}
	if submitted.Title != "Fix bug" {
		t.Errorf("submitted title = %q", submitted.Title)
	}
	// Raw secrets must reach the backend; this is the one boundary they cross.
	if submitted.Secrets["TOKEN"] != "raw-secret" {
		t.Errorf("submitted secrets = %v, want raw values", submitted.Secrets)
	}
	// Per-request credentials take precedence over the service token.
	if gotAuth != "Bearer user-token" {
		t.Errorf("Authorization = %q, want user token", gotAuth)
	}
}

func TestStartFallsBackToServiceToken(t *testing.T) {
	t.Parallel()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	if _, err := e.Start(context.Background(), testJob(), auth.Credentials{Username: "alice"}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if gotAuth != "Bearer service-token" {
		t.Errorf("Authorization = %q, want service token", gotAuth)
	}
}

func TestStartUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "remote 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
		{
			name: "missing execution id",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(submitResponse{})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			e := newTestExecutor(t, server.URL)
			_, err := e.Start(context.Background(), testJob(), auth.Credentials{})
			if !errors.Is(err, apperrors.ErrUnavailable) {
				t.Errorf("Start() error = %v, want backend unavailable", err)
			}
		})
	}
}

func TestStartConnectionRefused(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	e := newTestExecutor(t, server.URL)
	_, err := e.Start(context.Background(), testJob(), auth.Credentials{})
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Start() error = %v, want backend unavailable", err)
	}
}

func TestPollDeltasAndCompletion(t *testing.T) {
	t.Parallel()

	responses := []statusResponse{
		{ID: "ext-1", Status: stateQueued},
		{ID: "ext-1", Status: stateRunning, Logs: "step 1\n"},
		{ID: "ext-1", Status: stateRunning, Logs: "step 1\nstep 2\n"},
		{ID: "ext-1", Status: stateCompleted, Logs: "step 1\nstep 2\n", Changes: &job.Changes{Additions: 3, Files: 1}},
	}
	var call atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/executions" {
			json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
			return
		}
		i := call.Add(1) - 1
		if int(i) >= len(responses) {
			i = int64(len(responses) - 1)
		}
		json.NewEncoder(w).Encode(responses[i])
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	exec, err := e.Start(context.Background(), testJob(), auth.Credentials{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ctx := context.Background()

	// queued: no output, not done
	p, err := exec.Poll(ctx)
	if err != nil || p.Done || p.Output != "" {
		t.Fatalf("poll 1 = %+v, %v", p, err)
	}

	// running: first chunk
	p, err = exec.Poll(ctx)
	if err != nil || p.Output != "step 1\n" {
		t.Fatalf("poll 2 = %+v, %v", p, err)
	}

	// running: only the delta since last poll
	p, err = exec.Poll(ctx)
	if err != nil || p.Output != "step 2\n" {
		t.Fatalf("poll 3 = %+v, %v", p, err)
	}

	// completed: done with changes, no duplicated output
	p, err = exec.Poll(ctx)
	if err != nil {
		t.Fatalf("poll 4 error: %v", err)
	}
	if !p.Done || p.Output != "" {
		t.Fatalf("poll 4 = %+v, want done with no new output", p)
	}
	if p.Outcome == nil || !p.Outcome.Success || p.Outcome.Changes == nil || p.Outcome.Changes.Additions != 3 {
		t.Errorf("outcome = %+v", p.Outcome)
	}
}

func TestPollFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/executions" {
			json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
			return
		}
		json.NewEncoder(w).Encode(statusResponse{ID: "ext-1", Status: stateFailed, Error: "compile error"})
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	exec, _ := e.Start(context.Background(), testJob(), auth.Credentials{})

	p, err := exec.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if !p.Done || p.Outcome == nil || p.Outcome.Success {
		t.Fatalf("progress = %+v, want done failed", p)
	}
	if p.Outcome.Reason != "compile error" {
		t.Errorf("reason = %q", p.Outcome.Reason)
	}
}

func TestPollRemoteServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/executions" {
			json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	exec, _ := e.Start(context.Background(), testJob(), auth.Credentials{})

	p, err := exec.Poll(context.Background())
	if err == nil {
		t.Fatalf("Poll() = %+v, want transient error", p)
	}
	if p.Done {
		t.Error("transient errors must not terminate the execution")
	}
}

func TestPollRemote404IsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/executions" {
			json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	exec, _ := e.Start(context.Background(), testJob(), auth.Credentials{})

	p, err := exec.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error: %v, want permanent failure outcome", err)
	}
	if !p.Done || p.Outcome == nil || p.Outcome.Success {
		t.Fatalf("progress = %+v, want done failed", p)
	}
}

func TestPollUnknownState(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/executions" {
			json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
			return
		}
		json.NewEncoder(w).Encode(statusResponse{ID: "ext-1", Status: "exploded"})
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	exec, _ := e.Start(context.Background(), testJob(), auth.Credentials{})

	p, err := exec.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if !p.Done || p.Outcome == nil || p.Outcome.Success {
		t.Fatalf("progress = %+v, want done failed on unknown state", p)
	}
}

func TestCancelDeletesExecution(t *testing.T) {
	t.Parallel()

	var deleted atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/executions" {
			json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
			return
		}
		if r.Method == http.MethodDelete && r.URL.Path == "/v1/executions/ext-1" {
			deleted.Store(true)
		}
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL)
	exec, _ := e.Start(context.Background(), testJob(), auth.Credentials{})

	if err := exec.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if !deleted.Load() {
		t.Error("cancel did not reach the compute API")
	}
}

func TestPollCircuitOpens(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/executions" {
			json.NewEncoder(w).Encode(submitResponse{ID: "ext-1"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e, err := NewExecutor(Config{
		BaseURL:          server.URL,
		Timeout:          time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}
	exec, _ := e.Start(context.Background(), testJob(), auth.Credentials{})

	ctx := context.Background()
	for range 2 {
		if _, err := exec.Poll(ctx); err == nil {
			t.Fatal("expected transient poll error")
		}
	}

	// Threshold reached; further polls short-circuit without hitting the remote.
	_, err = exec.Poll(ctx)
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Poll() error = %v, want circuit open", err)
	}
}
