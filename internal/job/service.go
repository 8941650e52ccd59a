package job

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"patchwork/internal/apperrors"
	"patchwork/internal/auth"
)

// Validation limits
const (
	maxTitleLength       = 200
	maxDescriptionLength = 1000
	maxBranchLength      = 250
	maxVarEntries        = 64
	maxVarKeyLength      = 128
	maxVarValueLength    = 4096
)

// repoURLPattern matches the supported code host. Other hosts are rejected
// until there is a concrete need for them.
var repoURLPattern = regexp.MustCompile(`^https://github\.com/[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+/?$`)

// Dispatcher hands a created job to the asynchronous processor.
type Dispatcher interface {
	Dispatch(jobID string, creds auth.Credentials)
}

// Service manages job creation and authorized reads. All job state lives in
// the store; execution is handed off to the dispatcher and never awaited.
type Service struct {
	store      Store
	dispatcher Dispatcher
}

// NewService creates a job service.
func NewService(store Store, dispatcher Dispatcher) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
	}
}

// CreateRequest is the payload accepted by the job creation endpoint.
type CreateRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Author      string            `json:"author,omitempty"`
	Repository  *Repository       `json:"repository,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
}

// Create validates the request, persists the job at pending, and hands it
// to the processor. The author defaults to the authenticated principal.
func (s *Service) Create(ctx context.Context, creds auth.Credentials, req *CreateRequest) (*Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	author := req.Author
	if author == "" {
		author = creds.Username
	}

	now := time.Now()
	j := &Job{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusPending,
		Author:      author,
		Repository:  req.Repository,
		Branch:      req.Branch,
		Environment: req.Environment,
		Secrets:     req.Secrets,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}

	slog.Info("Job created", "jobId", j.ID, "author", j.Author)
	s.dispatcher.Dispatch(j.ID, creds)

	return j, nil
}

// Get returns the job, enforcing ownership.
func (s *Service) Get(ctx context.Context, creds auth.Credentials, id string) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Author != creds.Username {
		return nil, apperrors.Forbidden("job", "job belongs to another user")
	}
	return j, nil
}

// List returns a page of the principal's own jobs.
func (s *Service) List(ctx context.Context, creds auth.Credentials, opts ListOptions) (*ListResult, error) {
	opts.Author = creds.Username
	return s.store.List(ctx, opts)
}

// Logs returns the cumulative log text, enforcing ownership.
func (s *Service) Logs(ctx context.Context, creds auth.Credentials, id string) (string, error) {
	if _, err := s.Get(ctx, creds, id); err != nil {
		return "", err
	}
	return s.store.Logs(ctx, id)
}

// EnvironmentView is the masked variable view exposed to API consumers.
type EnvironmentView struct {
	Environment map[string]string `json:"environment"`
	Secrets     map[string]string `json:"secrets"`
}

// Environment returns the job's variables with secret values masked.
func (s *Service) Environment(ctx context.Context, creds auth.Credentials, id string) (*EnvironmentView, error) {
	j, err := s.Get(ctx, creds, id)
	if err != nil {
		return nil, err
	}
	env := j.Environment
	if env == nil {
		env = map[string]string{}
	}
	secrets := MaskedSecrets(j.Secrets)
	if secrets == nil {
		secrets = map[string]string{}
	}
	return &EnvironmentView{Environment: env, Secrets: secrets}, nil
}

// validate checks a creation request. Does not modify the request.
func validate(req *CreateRequest) error {
	if req.Title == "" {
		return apperrors.Validation("title", "title is required")
	}
	if len(req.Title) > maxTitleLength {
		return apperrors.Validation("title", fmt.Sprintf("title exceeds maximum length of %d", maxTitleLength))
	}
	if len(req.Description) > maxDescriptionLength {
		return apperrors.Validation("description", fmt.Sprintf("description exceeds maximum length of %d", maxDescriptionLength))
	}
	if len(req.Branch) > maxBranchLength {
		return apperrors.Validation("branch", fmt.Sprintf("branch exceeds maximum length of %d", maxBranchLength))
	}

	if req.Repository != nil {
		if !repoURLPattern.MatchString(req.Repository.URL) {
			return apperrors.Validation("repository.url", "repository URL must be a GitHub repository URL")
		}
		if len(req.Repository.Branch) > maxBranchLength {
			return apperrors.Validation("repository.branch", fmt.Sprintf("branch exceeds maximum length of %d", maxBranchLength))
		}
	}

	if err := validateVars("environment", req.Environment); err != nil {
		return err
	}
	return validateVars("secrets", req.Secrets)
}

func validateVars(field string, vars map[string]string) error {
	if len(vars) > maxVarEntries {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum of %d entries", field, maxVarEntries))
	}
	for k, v := range vars {
		if k == "" {
			return apperrors.Validation(field, field+" keys must not be empty")
		}
		if len(k) > maxVarKeyLength {
			return apperrors.Validation(field, fmt.Sprintf("%s key exceeds maximum length of %d", field, maxVarKeyLength))
		}
		if len(v) > maxVarValueLength {
			return apperrors.Validation(field, fmt.Sprintf("%s value exceeds maximum length of %d", field, maxVarValueLength))
		}
	}
	return nil
}
