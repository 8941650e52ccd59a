// Package job defines the job model and the orchestration engine built
// around it: the store contract, the execution backend contract, the
// processor that drives jobs through their lifecycle, and the log streamer.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Status values. A job moves pending -> running -> {completed, failed};
// completed and failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// CanTransition reports whether a job may move from one status to another.
// Transitions are strictly forward; terminal states are frozen.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Repository references a source location the backend operates on.
type Repository struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// Changes summarizes the diff produced by a successful job.
type Changes struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Files     int `json:"files"`
}

// MaskedSecretValue replaces secret values in any representation that
// leaves the orchestrator boundary.
const MaskedSecretValue = "********"

// Job is the central entity tracked through the status lifecycle.
//
// Logs are cumulative and append-only; they are served by the dedicated
// logs endpoint rather than the job representation. Secrets hold raw
// values in memory and are masked by MarshalJSON, so the raw values flow
// only into the execution backend.
type Job struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Author      string            `json:"author"`
	Repository  *Repository       `json:"repository,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Changes     *Changes          `json:"changes,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
	APIJobID    string            `json:"apiJobId,omitempty"`
	Logs        string            `json:"-"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// MarshalJSON masks secret values. Keys survive so API consumers can see
// which secrets a job carries, values never do.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	a := alias(j)
	a.Secrets = MaskedSecrets(j.Secrets)
	return json.Marshal(a)
}

// MaskedSecrets returns a copy of secrets with every value replaced by the
// mask placeholder. Returns nil for an empty map.
func MaskedSecrets(secrets map[string]string) map[string]string {
	if len(secrets) == 0 {
		return nil
	}
	masked := make(map[string]string, len(secrets))
	for k := range secrets {
		masked[k] = MaskedSecretValue
	}
	return masked
}

// Clone returns a deep copy so store readers never share mutable state
// with writers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Repository != nil {
		repo := *j.Repository
		c.Repository = &repo
	}
	if j.Changes != nil {
		ch := *j.Changes
		c.Changes = &ch
	}
	c.Environment = cloneMap(j.Environment)
	c.Secrets = cloneMap(j.Secrets)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
