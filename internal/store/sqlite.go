package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"patchwork/internal/apperrors"
	"patchwork/internal/job"
)

// SQLite is a durable job store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if necessary initializes) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer; serialize access through one
	// connection instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		author      TEXT NOT NULL,
		repo_url    TEXT NOT NULL DEFAULT '',
		repo_branch TEXT NOT NULL DEFAULT '',
		branch      TEXT NOT NULL DEFAULT '',
		has_changes INTEGER NOT NULL DEFAULT 0,
		additions   INTEGER NOT NULL DEFAULT 0,
		deletions   INTEGER NOT NULL DEFAULT 0,
		files       INTEGER NOT NULL DEFAULT 0,
		environment TEXT NOT NULL DEFAULT '{}',
		secrets     TEXT NOT NULL DEFAULT '{}',
		api_job_id  TEXT NOT NULL DEFAULT '',
		logs        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_author ON jobs(author);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create persists a new job.
func (s *SQLite) Create(ctx context.Context, j *job.Job) error {
	envJSON, err := json.Marshal(orEmpty(j.Environment))
	if err != nil {
		return apperrors.Internal("sqlite.marshalEnvironment", err)
	}
	secretsJSON, err := json.Marshal(orEmpty(j.Secrets))
	if err != nil {
		return apperrors.Internal("sqlite.marshalSecrets", err)
	}

	now := time.Now()
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := j.Status
	if status == "" {
		status = job.StatusPending
	}

	var repoURL, repoBranch string
	if j.Repository != nil {
		repoURL = j.Repository.URL
		repoBranch = j.Repository.Branch
	}

	query := `INSERT INTO jobs
		(id, title, description, status, author, repo_url, repo_branch, branch,
		 environment, secrets, api_job_id, logs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		j.ID, j.Title, j.Description, string(status), j.Author,
		repoURL, repoBranch, j.Branch,
		string(envJSON), string(secretsJSON), j.APIJobID, j.Logs,
		createdAt, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.Conflict("job", j.ID, "job already exists")
		}
		return apperrors.Internal("sqlite.createJob", err)
	}
	return nil
}

const jobColumns = `id, title, description, status, author, repo_url, repo_branch, branch,
	has_changes, additions, deletions, files, environment, secrets, api_job_id,
	created_at, updated_at`

// Get returns the job or a not-found error.
func (s *SQLite) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("sqlite.getJob", err)
	}
	return j, nil
}

// List returns a filtered page of jobs, newest first.
func (s *SQLite) List(ctx context.Context, opts job.ListOptions) (*job.ListResult, error) {
	opts.Normalize()

	var where []string
	var args []any
	if opts.Author != "" {
		where = append(where, "author = ?")
		args = append(args, opts.Author)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Search != "" {
		where = append(where, "(title LIKE ? OR description LIKE ?)")
		pattern := "%" + opts.Search + "%"
		args = append(args, pattern, pattern)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+clause, args...).Scan(&total); err != nil {
		return nil, apperrors.Internal("sqlite.countJobs", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + clause +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	offset := (opts.Page - 1) * opts.Limit
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, offset)...)
	if err != nil {
		return nil, apperrors.Internal("sqlite.listJobs", err)
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0, opts.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("sqlite.scanJob", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("sqlite.listJobs", err)
	}

	return &job.ListResult{
		Jobs:    jobs,
		Total:   total,
		Page:    opts.Page,
		Limit:   opts.Limit,
		HasNext: offset+len(jobs) < total,
		HasPrev: opts.Page > 1,
	}, nil
}

// Logs returns the cumulative log text.
func (s *SQLite) Logs(ctx context.Context, id string) (string, error) {
	var logs string
	err := s.db.QueryRowContext(ctx, `SELECT logs FROM jobs WHERE id = ?`, id).Scan(&logs)
	if err == sql.ErrNoRows {
		return "", apperrors.NotFound("job", id)
	}
	if err != nil {
		return "", apperrors.Internal("sqlite.getLogs", err)
	}
	return logs, nil
}

// AppendLogs appends a chunk to the job's logs in a single statement.
func (s *SQLite) AppendLogs(ctx context.Context, id, chunk string) error {
	if chunk == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET logs = logs || ?, updated_at = ? WHERE id = ?`,
		chunk, time.Now(), id,
	)
	if err != nil {
		return apperrors.Internal("sqlite.appendLogs", err)
	}
	return checkFound(res, id)
}

// UpdateStatus transitions the job's status, enforcing the state machine.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("sqlite.beginTx", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperrors.NotFound("job", id)
	}
	if err != nil {
		return apperrors.Internal("sqlite.getStatus", err)
	}

	if !job.CanTransition(job.Status(current), status) {
		return apperrors.Conflict("job", id, "invalid status transition "+current+" -> "+string(status))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id,
	); err != nil {
		return apperrors.Internal("sqlite.updateStatus", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("sqlite.commit", err)
	}
	return nil
}

// SetChanges records the diff summary.
func (s *SQLite) SetChanges(ctx context.Context, id string, changes job.Changes) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET has_changes = 1, additions = ?, deletions = ?, files = ?, updated_at = ?
		 WHERE id = ?`,
		changes.Additions, changes.Deletions, changes.Files, time.Now(), id,
	)
	if err != nil {
		return apperrors.Internal("sqlite.setChanges", err)
	}
	return checkFound(res, id)
}

// SetAPIJobID records the remote backend's identifier.
func (s *SQLite) SetAPIJobID(ctx context.Context, id, apiJobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET api_job_id = ?, updated_at = ? WHERE id = ?`,
		apiJobID, time.Now(), id,
	)
	if err != nil {
		return apperrors.Internal("sqlite.setAPIJobID", err)
	}
	return checkFound(res, id)
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j          job.Job
		status     string
		repoURL    string
		repoBranch string
		hasChanges int
		changes    job.Changes
		envJSON    string
		secJSON    string
	)

	err := row.Scan(
		&j.ID, &j.Title, &j.Description, &status, &j.Author,
		&repoURL, &repoBranch, &j.Branch,
		&hasChanges, &changes.Additions, &changes.Deletions, &changes.Files,
		&envJSON, &secJSON, &j.APIJobID,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(status)
	if repoURL != "" {
		j.Repository = &job.Repository{URL: repoURL, Branch: repoBranch}
	}
	if hasChanges != 0 {
		j.Changes = &changes
	}
	if err := json.Unmarshal([]byte(envJSON), &j.Environment); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(secJSON), &j.Secrets); err != nil {
		return nil, err
	}
	if len(j.Environment) == 0 {
		j.Environment = nil
	}
	if len(j.Secrets) == 0 {
		j.Secrets = nil
	}
	return &j, nil
}

func checkFound(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("sqlite.rowsAffected", err)
	}
	if n == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ job.Store = (*SQLite)(nil)
