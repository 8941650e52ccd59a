package job

import "context"

// List pagination bounds.
const (
	MaxListLimit     = 100
	DefaultListLimit = 20
)

// ListOptions filter and paginate job listings.
type ListOptions struct {
	Page   int    // clamped to >= 1
	Limit  int    // capped at MaxListLimit
	Status Status // exact match when non-empty
	Search string // substring match over title/description when non-empty
	Author string // exact match when non-empty
}

// Normalize applies pagination guardrails.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
}

// ListResult is one page of jobs, newest first.
type ListResult struct {
	Jobs    []*Job `json:"jobs"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	Limit   int    `json:"limit"`
	HasNext bool   `json:"hasNext"`
	HasPrev bool   `json:"hasPrev"`
}

// Store is the durable record of jobs.
//
// Implementations must be safe for one concurrent writer and many readers;
// a read observes either the prior or the fully-applied next state, never a
// partial write. Every mutation refreshes the job's UpdatedAt. Log text is
// append-only, so its length is non-decreasing between any two reads.
type Store interface {
	// Create persists a new job. Fails with a conflict error when the id
	// already exists.
	Create(ctx context.Context, j *Job) error

	// Get returns the job or a not-found error.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns a filtered page of jobs ordered newest first.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Logs returns the cumulative log text, empty when none yet.
	Logs(ctx context.Context, id string) (string, error)

	// AppendLogs atomically appends a chunk to the job's logs.
	AppendLogs(ctx context.Context, id, chunk string) error

	// UpdateStatus transitions the job's status. Transitions that violate
	// the state machine fail with a conflict error.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// SetChanges records the diff summary of a completed job.
	SetChanges(ctx context.Context, id string, changes Changes) error

	// SetAPIJobID records the external identifier assigned by a remote
	// execution backend.
	SetAPIJobID(ctx context.Context, id, apiJobID string) error

	// Close releases store resources.
	Close() error
}
