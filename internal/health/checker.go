// Package health reports whether the configured execution backend is
// operable, for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"patchwork/internal/job"
)

// RuntimeChecker verifies a local container runtime is reachable.
// Implemented by the Docker executor.
type RuntimeChecker interface {
	Ready(ctx context.Context) error
}

// Status of the service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Response is the health check response.
type Response struct {
	Status        Status `json:"status"`
	ExecutionMode string `json:"executionMode"`
	BackendDetail string `json:"backendDetail,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Monitor performs backend health checks.
//
// In api mode the remote dependency is assumed available (it is monitored
// upstream), so the service is healthy by definition. In docker mode the
// check defers to the container runtime.
type Monitor struct {
	mode    string
	runtime RuntimeChecker
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cached       *Response
	shuttingDown bool
}

// NewMonitor creates a health monitor for the given execution mode. The
// runtime checker may be nil in api mode.
func NewMonitor(mode string, runtime RuntimeChecker) *Monitor {
	return &Monitor{
		mode:    mode,
		runtime: runtime,
		timeout: 5 * time.Second,
	}
}

// Liveness reports whether the process is alive. It never checks
// dependencies; failing it should restart the container.
func (m *Monitor) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy, ExecutionMode: m.mode}
}

// Check reports whether the configured backend can run jobs. Results are
// cached for one second to avoid hammering the runtime.
func (m *Monitor) Check(ctx context.Context) *Response {
	m.mu.RLock()
	if m.shuttingDown {
		m.mu.RUnlock()
		return &Response{
			Status:        StatusUnhealthy,
			ExecutionMode: m.mode,
			BackendDetail: "service is shutting down",
		}
	}
	if m.cached != nil && time.Since(m.lastCheck) < time.Second {
		cached := m.cached
		m.mu.RUnlock()
		return cached
	}
	m.mu.RUnlock()

	response := m.check(ctx)

	m.mu.Lock()
	m.cached = response
	m.lastCheck = time.Now()
	m.mu.Unlock()

	return response
}

func (m *Monitor) check(ctx context.Context) *Response {
	if m.mode != job.ModeDocker {
		return &Response{Status: StatusHealthy, ExecutionMode: m.mode}
	}

	if m.runtime == nil {
		return &Response{
			Status:        StatusUnhealthy,
			ExecutionMode: m.mode,
			BackendDetail: "container runtime not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.runtime.Ready(ctx); err != nil {
		return &Response{
			Status:        StatusUnhealthy,
			ExecutionMode: m.mode,
			BackendDetail: err.Error(),
		}
	}
	return &Response{Status: StatusHealthy, ExecutionMode: m.mode}
}

// SetShuttingDown makes subsequent checks report unhealthy so load
// balancers stop sending traffic during drain.
func (m *Monitor) SetShuttingDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shuttingDown = true
	m.cached = nil
}
