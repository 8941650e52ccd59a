package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"patchwork/internal/auth"
	"patchwork/pkg/backoff"
)

// MetricsRecorder records job lifecycle metrics. Optional.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, mode string)
	RecordJobCompleted(ctx context.Context, mode string, success bool, durationSeconds float64)
}

// Notifier is told about terminal jobs. Optional.
type Notifier interface {
	JobFinished(j *Job)
}

// ProcessorConfig holds configuration for the processor.
type ProcessorConfig struct {
	Mode           string        // ModeAPI or ModeDocker, fixed for the process
	PollInterval   time.Duration // delay between backend polls (default 1s)
	MaxPollRetries int           // transient poll failures tolerated in a row (default 3)
	Backoff        backoff.Policy
	Metrics        MetricsRecorder // optional
	Notifier       Notifier        // optional
}

// Processor drives jobs through pending -> running -> {completed, failed}.
//
// Dispatch is fire-and-forget: execution runs in a detached goroutine whose
// failures are converted into store mutations, never surfaced to the caller.
// A singleflight group keyed by job id plus the pending-status check makes
// re-entry idempotent: at most one active run per job id.
type Processor struct {
	store   Store
	backend Backend
	cfg     ProcessorConfig

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewProcessor creates a processor bound to one backend.
func NewProcessor(store Store, backend Backend, cfg ProcessorConfig) *Processor {
	if cfg.Mode == "" {
		cfg.Mode = ModeDocker
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollRetries <= 0 {
		cfg.MaxPollRetries = 3
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	return &Processor{
		store:   store,
		backend: backend,
		cfg:     cfg,
	}
}

// Mode returns the configured execution mode.
func (p *Processor) Mode() string {
	return p.cfg.Mode
}

// Dispatch schedules a job for asynchronous processing and returns
// immediately. Duplicate dispatches for an active job id are coalesced.
func (p *Processor) Dispatch(jobID string, creds auth.Credentials) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Detached from the originating request on purpose: the job
		// outlives it.
		p.group.Do(jobID, func() (any, error) {
			defer p.group.Forget(jobID)
			p.run(context.Background(), jobID, creds)
			return nil, nil
		})
	}()
}

// Wait blocks until all dispatched jobs have finished processing.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context, jobID string, creds auth.Credentials) {
	logger := slog.With("jobId", jobID, "mode", p.cfg.Mode)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing job", "panic", r)
			p.failJob(ctx, logger, jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	j, err := p.store.Get(ctx, jobID)
	if err != nil {
		logger.Warn("Job not found, nothing to process", "error", err)
		return
	}

	// Idempotent re-entry: only a pending job may be picked up.
	if j.Status != StatusPending {
		logger.Info("Job already picked up, skipping", "status", j.Status)
		return
	}

	if err := p.store.UpdateStatus(ctx, jobID, StatusRunning); err != nil {
		logger.Warn("Lost the race to start job", "error", err)
		return
	}

	started := time.Now()
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordJobStarted(ctx, p.cfg.Mode)
	}
	logger.Info("Job running")

	exec, err := p.backend.Start(ctx, j, creds)
	if err != nil {
		logger.Error("Backend failed to start job", "error", err)
		p.failJob(ctx, logger, jobID, "failed to start execution: "+err.Error())
		p.recordCompleted(ctx, false, started)
		return
	}

	if externalID := exec.ExternalID(); externalID != "" {
		if err := p.store.SetAPIJobID(ctx, jobID, externalID); err != nil {
			logger.Warn("Failed to record external job id", "error", err)
		}
	}

	p.drive(ctx, logger, jobID, exec, started)
}

// drive polls the execution until it reports done, forwarding incremental
// output into the store.
func (p *Processor) drive(ctx context.Context, logger *slog.Logger, jobID string, exec Execution, started time.Time) {
	retries := 0

	for {
		progress, err := exec.Poll(ctx)
		if err != nil {
			retries++
			if retries > p.cfg.MaxPollRetries {
				logger.Error("Poll retry budget exhausted", "error", err, "retries", retries-1)
				_ = exec.Cancel(ctx)
				p.failJob(ctx, logger, jobID, "backend polling failed: "+err.Error())
				p.recordCompleted(ctx, false, started)
				return
			}
			delay := p.cfg.Backoff.Delay(retries)
			logger.Warn("Transient poll error", "error", err, "attempt", retries, "retryIn", delay)
			sleep(ctx, delay)
			continue
		}
		retries = 0

		if progress.Output != "" {
			if err := p.store.AppendLogs(ctx, jobID, progress.Output); err != nil {
				logger.Warn("Failed to append logs", "error", err)
			}
		}

		if progress.Done {
			p.finish(ctx, logger, jobID, progress.Outcome, started)
			return
		}

		sleep(ctx, p.cfg.PollInterval)
	}
}

func (p *Processor) finish(ctx context.Context, logger *slog.Logger, jobID string, outcome *Outcome, started time.Time) {
	if outcome == nil {
		outcome = &Outcome{Success: false, Reason: "backend reported completion without an outcome"}
	}

	if outcome.Success {
		if outcome.Changes != nil {
			if err := p.store.SetChanges(ctx, jobID, *outcome.Changes); err != nil {
				logger.Warn("Failed to record changes", "error", err)
			}
		}
		if err := p.store.UpdateStatus(ctx, jobID, StatusCompleted); err != nil {
			logger.Error("Failed to mark job completed", "error", err)
		}
		logger.Info("Job completed", "duration", time.Since(started))
		p.recordCompleted(ctx, true, started)
		p.notify(ctx, jobID)
		return
	}

	reason := outcome.Reason
	if reason == "" {
		reason = "execution failed"
	}
	p.failJob(ctx, logger, jobID, reason)
	p.recordCompleted(ctx, false, started)
}

// failJob records the failure reason into the job's logs and moves the job
// to failed. Errors here are logged and swallowed: this path is invoked
// fire-and-forget, so throwing would be unobserved.
func (p *Processor) failJob(ctx context.Context, logger *slog.Logger, jobID, reason string) {
	if err := p.store.AppendLogs(ctx, jobID, "\nerror: "+reason+"\n"); err != nil {
		logger.Warn("Failed to record failure reason", "error", err)
	}
	if err := p.store.UpdateStatus(ctx, jobID, StatusFailed); err != nil {
		logger.Error("Failed to mark job failed", "error", err)
		return
	}
	logger.Info("Job failed", "reason", reason)
	p.notify(ctx, jobID)
}

func (p *Processor) recordCompleted(ctx context.Context, success bool, started time.Time) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordJobCompleted(ctx, p.cfg.Mode, success, time.Since(started).Seconds())
	}
}

func (p *Processor) notify(ctx context.Context, jobID string) {
	if p.cfg.Notifier == nil {
		return
	}
	j, err := p.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	p.cfg.Notifier.JobFinished(j)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
