package job

import (
	"context"

	"patchwork/internal/auth"
)

// Execution modes selected once at process configuration time.
const (
	ModeAPI    = "api"
	ModeDocker = "docker"
)

// Backend starts job executions. Implementations delegate to an external
// compute API or to a local container runtime; the processor stays
// backend-agnostic.
type Backend interface {
	// Start begins execution and returns without waiting for the work.
	// It fails with a backend-unavailable error when the backend cannot
	// be reached or launched.
	Start(ctx context.Context, j *Job, creds auth.Credentials) (Execution, error)
}

// Execution is a single running job on a backend.
type Execution interface {
	// ExternalID returns the backend's own identifier for this execution,
	// empty when the backend has none.
	ExternalID() string

	// Poll is a non-blocking probe for progress. Output carries only text
	// produced since the previous poll. Outcome is set once Done is true.
	// A non-nil error is transient; the caller decides when to give up.
	Poll(ctx context.Context) (Progress, error)

	// Cancel terminates the execution, best effort, and releases backend
	// resources.
	Cancel(ctx context.Context) error
}

// Progress reports incremental execution state.
type Progress struct {
	Output  string
	Done    bool
	Outcome *Outcome
}

// Outcome is the terminal result of an execution.
type Outcome struct {
	Success bool
	Reason  string   // failure reason, empty on success
	Changes *Changes // diff summary, when the backend produced one
}
