// Package store provides job.Store implementations: a durable SQLite store
// and an in-memory store for tests and ephemeral deployments.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"patchwork/internal/apperrors"
	"patchwork/internal/job"
)

// Memory is a mutex-guarded in-memory job store. Reads return deep copies
// so callers never observe a write in progress.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
	now  func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
}

// Create persists a new job.
func (m *Memory) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}

	stored := j.Clone()
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = job.StatusPending
	}
	m.jobs[j.ID] = stored
	return nil
}

// Get returns a copy of the job.
func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// List returns a filtered page of jobs, newest first.
func (m *Memory) List(ctx context.Context, opts job.ListOptions) (*job.ListResult, error) {
	opts.Normalize()

	m.mu.RLock()
	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if matches(j, opts) {
			matched = append(matched, j.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	return paginate(matched, opts), nil
}

// Logs returns the cumulative log text.
func (m *Memory) Logs(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return "", apperrors.NotFound("job", id)
	}
	return j.Logs, nil
}

// AppendLogs appends a chunk to the job's logs.
func (m *Memory) AppendLogs(ctx context.Context, id, chunk string) error {
	if chunk == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	j.Logs += chunk
	j.UpdatedAt = m.now()
	return nil
}

// UpdateStatus transitions the job's status, enforcing the state machine.
func (m *Memory) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	if !job.CanTransition(j.Status, status) {
		return apperrors.Conflict("job", id, "invalid status transition "+string(j.Status)+" -> "+string(status))
	}
	j.Status = status
	j.UpdatedAt = m.now()
	return nil
}

// SetChanges records the diff summary.
func (m *Memory) SetChanges(ctx context.Context, id string, changes job.Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	j.Changes = &changes
	j.UpdatedAt = m.now()
	return nil
}

// SetAPIJobID records the remote backend's identifier.
func (m *Memory) SetAPIJobID(ctx context.Context, id, apiJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	j.APIJobID = apiJobID
	j.UpdatedAt = m.now()
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

func matches(j *job.Job, opts job.ListOptions) bool {
	if opts.Author != "" && j.Author != opts.Author {
		return false
	}
	if opts.Status != "" && j.Status != opts.Status {
		return false
	}
	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		if !strings.Contains(strings.ToLower(j.Title), needle) &&
			!strings.Contains(strings.ToLower(j.Description), needle) {
			return false
		}
	}
	return true
}

func paginate(jobs []*job.Job, opts job.ListOptions) *job.ListResult {
	total := len(jobs)
	start := (opts.Page - 1) * opts.Limit
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}

	return &job.ListResult{
		Jobs:    jobs[start:end],
		Total:   total,
		Page:    opts.Page,
		Limit:   opts.Limit,
		HasNext: end < total,
		HasPrev: opts.Page > 1,
	}
}

var _ job.Store = (*Memory)(nil)
