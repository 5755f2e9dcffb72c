package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// LabelBuildID is set on every container started for a build.
const LabelBuildID = "dev.knull.build_id"

// DockerRunner runs each command in a fresh container of a fixed image.
// The workspace root is bind mounted at the same path so working directories
// resolve identically inside and outside the container.
type DockerRunner struct {
	client  client.APIClient
	image   string
	mount   string
	tools   *AllowList
	timeout time.Duration
	path    string
	procs   *Tracker

	mu     sync.Mutex
	pulled bool
}

// DockerConfig configures a DockerRunner.
type DockerConfig struct {
	Image string

	// Mount is the host directory (the workspace root) shared with containers.
	Mount string

	Tools   *AllowList
	Timeout time.Duration
	Path    string
}

// NewDockerRunner creates a DockerRunner using the provided Docker API client.
func NewDockerRunner(cli client.APIClient, cfg DockerConfig) *DockerRunner {
	r := &DockerRunner{
		client:  cli,
		image:   cfg.Image,
		mount:   cfg.Mount,
		tools:   cfg.Tools,
		timeout: cfg.Timeout,
		path:    cfg.Path,
		procs:   NewTracker(),
	}
	if r.tools == nil {
		r.tools = NewAllowList()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.path == "" {
		r.path = DefaultPath
	}
	return r
}

// NewDockerRunnerFromEnv creates a DockerRunner using the default
// Docker client configuration from environment variables.
func NewDockerRunnerFromEnv(cfg DockerConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerRunner(cli, cfg), nil
}

// Run the command in a new container, removing it once it exits.
func (r *DockerRunner) Run(ctx context.Context, req Request) (*Result, error) {
	tool, err := r.tools.Validate(req)
	if err != nil {
		return nil, err
	}
	timeout := r.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	procCtx, release := r.procs.Track(ctx, req.BuildID)
	defer release()
	runCtx, cancel := context.WithTimeoutCause(procCtx, timeout, ErrTimeout)
	defer cancel()

	result := &Result{StartedAt: time.Now()}
	if err := r.pullOnce(runCtx); err != nil {
		return spawnFailure(result, err), nil
	}

	var binds []string
	if r.mount != "" {
		binds = []string{r.mount + ":" + r.mount}
	}
	resp, err := r.client.ContainerCreate(runCtx,
		&container.Config{
			Image:      r.image,
			Entrypoint: []string{tool},
			Cmd:        req.Args,
			WorkingDir: req.WorkDir,
			Env:        append([]string{"PATH=" + r.path}, req.Env...),
			Labels:     map[string]string{LabelBuildID: strconv.FormatInt(req.BuildID, 10)},
		},
		&container.HostConfig{Binds: binds},
		nil, // networking config
		nil, // platform
		"",  // container name (auto-generated)
	)
	if err != nil {
		return spawnFailure(result, fmt.Errorf("failed to create container: %w", err)), nil
	}
	containerID := resp.ID
	defer r.remove(containerID)

	if err := r.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return spawnFailure(result, fmt.Errorf("failed to start container: %w", err)), nil
	}
	slog.DebugContext(ctx, "container started", "build_id", req.BuildID, "tool", tool, "container_id", containerID)

	logReader, err := r.client.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.kill(containerID)
		return spawnFailure(result, fmt.Errorf("failed to attach to container logs: %w", err)), nil
	}
	defer logReader.Close()

	// Docker multiplexes stdout/stderr into a single stream with headers.
	var stdout, stderr bytes.Buffer
	var drain errgroup.Group
	drain.Go(func() error {
		_, err := stdcopy.StdCopy(&stdout, &stderr, logReader)
		return err
	})

	exitCode := int64(ExitCodeUnknown)
	statusCh, errCh := r.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
		if status.Error != nil {
			slog.WarnContext(ctx, "container wait reported error", "container_id", containerID, "error", status.Error.Message)
		}
	case err := <-errCh:
		if runCtx.Err() == nil {
			slog.WarnContext(ctx, "error waiting for container", "container_id", containerID, "error", err)
		}
	}
	if runCtx.Err() != nil {
		r.kill(containerID)
	}
	if err := drain.Wait(); err != nil {
		slog.WarnContext(ctx, "failed to drain container output", "container_id", containerID, "error", err)
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	switch {
	case errors.Is(context.Cause(runCtx), ErrTimeout):
		result.ExitCode = ExitCodeUnknown
		result.TimedOut = true
		result.Stderr = appendLine(result.Stderr, "Process timed out")
	case runCtx.Err() != nil:
		result.ExitCode = ExitCodeUnknown
		result.Cancelled = true
		result.Stderr = appendLine(result.Stderr, "Process cancelled")
	default:
		result.ExitCode = int(exitCode)
		result.Success = exitCode == 0
	}
	return result, nil
}

// Abort stops the build's containers by cancelling their runs.
func (r *DockerRunner) Abort(ctx context.Context, buildID int64) (int, error) {
	n := r.procs.Abort(buildID)
	slog.InfoContext(ctx, "aborted build containers", "build_id", buildID, "count", n)
	return n, nil
}

// Healthy reports whether the docker daemon responds to a ping.
func (r *DockerRunner) Healthy(ctx context.Context) bool {
	if _, err := r.client.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "docker daemon unreachable", "error", err)
		return false
	}
	return true
}

// RunningProcessCount of containers started by this runner.
func (r *DockerRunner) RunningProcessCount(context.Context) int {
	return r.procs.Count()
}

// Prune force-removes every container labelled with a build id, such as those
// left behind by an executor that crashed mid-build. It reports how many were removed.
func (r *DockerRunner) Prune(ctx context.Context) (int, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelBuildID)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list build containers: %w", err)
	}

	var (
		removed int
		result  error
	)
	for _, c := range containers {
		if err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove container %s: %w", c.ID, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.InfoContext(ctx, "pruned stale build containers", "count", removed)
	}
	return removed, result
}

func (r *DockerRunner) pullOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pulled {
		return nil
	}

	slog.InfoContext(ctx, "pulling docker image", "image", r.image)
	pullReader, err := r.client.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", r.image, err)
	}
	defer pullReader.Close()
	if _, err := io.Copy(io.Discard, pullReader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	r.pulled = true
	return nil
}

func (r *DockerRunner) kill(containerID string) {
	if err := r.client.ContainerKill(context.Background(), containerID, "KILL"); err != nil {
		slog.Warn("failed to kill container", "container_id", containerID, "error", err)
	}
}

func (r *DockerRunner) remove(containerID string) {
	if err := r.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container_id", containerID, "error", err)
	}
}
