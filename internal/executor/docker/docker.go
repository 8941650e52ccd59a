// Package docker implements the job.Backend interface using the Docker API.
// Each job runs in an isolated container with an ephemeral workspace volume.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"patchwork/internal/apperrors"
	"patchwork/internal/auth"
	"patchwork/internal/job"
)

const managedByLabel = "patchwork"

// changesFile is written by the runner image on success and carries the
// diff summary.
const changesFile = "changes.json"

// Config holds configuration for the Docker executor.
type Config struct {
	Image      string        // runner image executing jobs (required)
	Workspace  string        // mount path inside the container (default /workspace)
	Timeout    time.Duration // wall-clock execution limit (default 30m)
	CPU        float64       // cores per job (default 1)
	MemoryMB   int           // memory limit per job (default 1024)
	ExtraHosts []string      // extra /etc/hosts entries for job containers
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Workspace == "" {
		cfg.Workspace = "/workspace"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.CPU <= 0 {
		cfg.CPU = 1
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	return cfg
}

// Executor implements job.Backend using Docker.
type Executor struct {
	client *client.Client
	cfg    Config
}

// NewExecutor creates a Docker executor and sweeps containers left behind
// by a previous process so crashed runs never leak resources.
func NewExecutor(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("runner image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	e := &Executor{
		client: dockerClient,
		cfg:    cfg.withDefaults(),
	}

	if err := e.sweepOrphans(ctx); err != nil {
		slog.Warn("Failed to sweep orphaned job containers", "error", err)
	}

	return e, nil
}

// sweepOrphans removes containers and volumes from executions that were
// running when a previous process died.
func (e *Executor) sweepOrphans(ctx context.Context) error {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "managed-by="+managedByLabel),
		),
	})
	if err != nil {
		return err
	}

	for i := range containers {
		c := &containers[i]
		jobID := c.Labels["job.id"]
		slog.Info("Removing orphaned job container", "jobId", jobID, "containerId", c.ID)
		e.removeContainer(ctx, c.ID)
		if jobID != "" {
			_ = e.client.VolumeRemove(ctx, volumeName(jobID), true)
		}
	}
	return nil
}

// Ready checks whether the Docker daemon is reachable and responsive.
func (e *Executor) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (e *Executor) Close() error {
	return e.client.Close()
}

// Start creates and starts a job container. The unmasked secret values are
// injected only here, into the container's environment; they never appear
// in logs or poll output.
func (e *Executor) Start(ctx context.Context, j *job.Job, creds auth.Credentials) (job.Execution, error) {
	if _, err := e.client.Ping(ctx); err != nil {
		return nil, apperrors.Unavailable("docker.ping", err)
	}

	x := &execution{
		executor: e,
		jobID:    j.ID,
		volume:   volumeName(j.ID),
		deadline: time.Now().Add(e.cfg.Timeout),
		timeout:  e.cfg.Timeout,
	}

	// On failure, release everything created so far.
	success := false
	defer func() {
		if !success {
			x.cleanup(ctx)
		}
	}()

	if _, err := e.client.VolumeCreate(ctx, volume.CreateOptions{Name: x.volume}); err != nil {
		return nil, apperrors.Unavailable("docker.createVolume", err)
	}

	// Detached context so an HTTP request timeout cannot abort the pull.
	if err := e.pullImageIfNeeded(context.WithoutCancel(ctx)); err != nil {
		return nil, apperrors.Unavailable("docker.pullImage", err)
	}

	containerID, err := e.createContainer(ctx, j, x.volume)
	if err != nil {
		return nil, apperrors.Unavailable("docker.createContainer", err)
	}
	x.containerID = containerID

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Unavailable("docker.startContainer", err)
	}

	// Pump combined stdout/stderr into the execution's buffer until the
	// container exits or the execution is torn down.
	logCtx, logCancel := context.WithCancel(context.Background())
	x.logCancel = logCancel
	x.logDone = make(chan struct{})
	go func() {
		defer close(x.logDone)
		e.pumpLogs(logCtx, containerID, x)
	}()

	success = true
	return x, nil
}

func volumeName(jobID string) string {
	return fmt.Sprintf("job-%s-workspace", jobID)
}

func (e *Executor) createContainer(ctx context.Context, j *job.Job, volName string) (string, error) {
	env := make([]string, 0, len(j.Environment)+len(j.Secrets)+4)
	for k, v := range j.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range j.Secrets {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "JOB_ID="+j.ID)
	if j.Repository != nil {
		env = append(env, "REPO_URL="+j.Repository.URL)
		branch := j.Branch
		if branch == "" {
			branch = j.Repository.Branch
		}
		if branch != "" {
			env = append(env, "REPO_BRANCH="+branch)
		}
	}
	env = append(env, "JOB_DESCRIPTION="+j.Description)

	containerConfig := &container.Config{
		Image:      e.cfg.Image,
		Env:        env,
		WorkingDir: e.cfg.Workspace,
		Labels: map[string]string{
			"job.id":     j.ID,
			"managed-by": managedByLabel,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volName,
				Target: e.cfg.Workspace,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(e.cfg.CPU * 1e9),
			Memory:   int64(e.cfg.MemoryMB) * 1024 * 1024,
		},
		ExtraHosts: e.cfg.ExtraHosts,
	}

	containerName := fmt.Sprintf("job-%s", j.ID)
	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *Executor) pullImageIfNeeded(ctx context.Context) error {
	_, err := e.client.ImageInspect(ctx, e.cfg.Image)
	if err == nil {
		return nil
	}

	reader, err := e.client.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// pumpLogs follows the container's multiplexed log stream and appends the
// demuxed payload to the execution buffer.
func (e *Executor) pumpLogs(ctx context.Context, containerID string, x *execution) {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		slog.Warn("Failed to attach to container logs", "jobId", x.jobID, "error", err)
		return
	}
	defer logs.Close()

	header := make([]byte, 8)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(logs, header); err != nil {
			return
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			return
		}
		x.appendOutput(payload)
	}
}

func (e *Executor) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	stopTimeout := 10
	_ = e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// execution is a single job container being driven by the processor.
type execution struct {
	executor    *Executor
	jobID       string
	containerID string
	volume      string
	deadline    time.Time
	timeout     time.Duration

	mu  sync.Mutex
	buf bytes.Buffer

	logCancel context.CancelFunc
	logDone   chan struct{}

	cleanupOnce sync.Once
}

// ExternalID returns empty: local containers have no external identifier.
func (x *execution) ExternalID() string {
	return ""
}

func (x *execution) appendOutput(p []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buf.Write(p)
}

func (x *execution) takeOutput() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := x.buf.String()
	x.buf.Reset()
	return out
}

// Poll inspects the container and drains buffered output.
func (x *execution) Poll(ctx context.Context) (job.Progress, error) {
	out := x.takeOutput()

	inspect, err := x.executor.client.ContainerInspect(ctx, x.containerID)
	if err != nil {
		// Transient from the caller's perspective; buffered output is not
		// lost, it stays queued for the next successful poll.
		x.restoreOutput(out)
		return job.Progress{}, fmt.Errorf("docker inspect: %w", err)
	}

	if inspect.State.Running {
		if time.Now().After(x.deadline) {
			x.teardown(ctx)
			out += x.takeOutput()
			return job.Progress{
				Output: out,
				Done:   true,
				Outcome: &job.Outcome{
					Success: false,
					Reason:  fmt.Sprintf("execution timed out after %s", x.timeout),
				},
			}, nil
		}
		return job.Progress{Output: out}, nil
	}

	// Container exited: wait briefly for the log pump to flush, then read
	// the result before tearing the container down.
	x.waitLogsFlushed()
	out += x.takeOutput()

	outcome := &job.Outcome{}
	if inspect.State.ExitCode == 0 {
		outcome.Success = true
		outcome.Changes = x.readChanges(ctx)
	} else {
		outcome.Reason = fmt.Sprintf("container exited with code %d", inspect.State.ExitCode)
		if inspect.State.Error != "" {
			outcome.Reason += ": " + inspect.State.Error
		}
	}

	x.teardown(ctx)
	return job.Progress{Output: out, Done: true, Outcome: outcome}, nil
}

func (x *execution) restoreOutput(out string) {
	if out == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	prev := x.buf.String()
	x.buf.Reset()
	x.buf.WriteString(out)
	x.buf.WriteString(prev)
}

// Cancel terminates the container and releases its resources.
func (x *execution) Cancel(ctx context.Context) error {
	x.teardown(ctx)
	return nil
}

// waitLogsFlushed waits for the log pump to observe stream EOF. The pump
// ends shortly after container exit; the bound keeps polls non-blocking.
func (x *execution) waitLogsFlushed() {
	if x.logDone == nil {
		return
	}
	select {
	case <-x.logDone:
	case <-time.After(2 * time.Second):
	}
}

// readChanges copies the diff summary out of the workspace. Absence is not
// an error: not every job produces changes.
func (x *execution) readChanges(ctx context.Context) *job.Changes {
	src := path.Join(x.executor.cfg.Workspace, changesFile)
	reader, _, err := x.executor.client.CopyFromContainer(ctx, x.containerID, src)
	if err != nil {
		return nil
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil
	}

	var changes job.Changes
	if err := json.NewDecoder(tr).Decode(&changes); err != nil {
		slog.Warn("Malformed changes summary", "jobId", x.jobID, "error", err)
		return nil
	}
	return &changes
}

// teardown releases container resources exactly once, on every exit path.
func (x *execution) teardown(ctx context.Context) {
	x.cleanup(ctx)
}

func (x *execution) cleanup(ctx context.Context) {
	x.cleanupOnce.Do(func() {
		if x.logCancel != nil {
			x.logCancel()
		}
		x.executor.removeContainer(ctx, x.containerID)
		if x.volume != "" {
			_ = x.executor.client.VolumeRemove(ctx, x.volume, true)
		}
	})
}

var _ job.Backend = (*Executor)(nil)
