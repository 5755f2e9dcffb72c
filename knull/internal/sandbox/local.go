package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// drainDelay bounds how long output is drained after the process exits,
// in case a descendant still holds the pipes open.
const drainDelay = 5 * time.Second

// LocalRunner spawns commands as direct child processes (argv, never a shell).
type LocalRunner struct {
	tools   *AllowList
	timeout time.Duration
	path    string
	procs   *Tracker
}

// A LocalOption configures a LocalRunner.
type LocalOption func(*LocalRunner)

// WithAllowList restricts the runner to the provided tools.
func WithAllowList(tools *AllowList) LocalOption {
	return func(r *LocalRunner) {
		r.tools = tools
	}
}

// WithTimeout sets the default per-command timeout.
func WithTimeout(timeout time.Duration) LocalOption {
	return func(r *LocalRunner) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithPath sets the PATH provided to, and used to resolve, spawned commands.
func WithPath(path string) LocalOption {
	return func(r *LocalRunner) {
		r.path = path
	}
}

// NewLocalRunner creates a runner using DefaultTools, DefaultTimeout and DefaultPath unless overridden.
func NewLocalRunner(options ...LocalOption) *LocalRunner {
	r := &LocalRunner{
		tools:   NewAllowList(),
		timeout: DefaultTimeout,
		path:    DefaultPath,
		procs:   NewTracker(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Run the command, returning once it has exited and its output has been drained.
func (r *LocalRunner) Run(ctx context.Context, req Request) (*Result, error) {
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
	exe, err := lookPath(tool, r.path)
	if err != nil {
		return spawnFailure(result, err), nil
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return spawnFailure(result, err), nil
	}
	defer stdoutR.Close()
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		return spawnFailure(result, err), nil
	}
	defer stderrR.Close()

	cmd := exec.CommandContext(runCtx, exe, req.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append([]string{"PATH=" + r.path}, req.Env...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	slog.DebugContext(ctx, "spawning process", "build_id", req.BuildID, "tool", tool, "arg_count", len(req.Args), "work_dir", req.WorkDir)
	startErr := cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		return spawnFailure(result, startErr), nil
	}

	var stdout, stderr bytes.Buffer
	var drain errgroup.Group
	drain.Go(func() error {
		_, err := io.Copy(&stdout, stdoutR)
		return err
	})
	drain.Go(func() error {
		_, err := io.Copy(&stderr, stderrR)
		return err
	})

	waitErr := cmd.Wait()
	drained := make(chan error, 1)
	go func() { drained <- drain.Wait() }()
	select {
	case err := <-drained:
		if err != nil {
			slog.WarnContext(ctx, "failed to drain process output", "build_id", req.BuildID, "tool", tool, "error", err)
		}
	case <-time.After(drainDelay):
		stdoutR.Close()
		stderrR.Close()
		<-drained
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	state := cmd.ProcessState
	switch {
	case state != nil && state.Exited():
		result.ExitCode = state.ExitCode()
		result.Success = result.ExitCode == 0
	case errors.Is(context.Cause(runCtx), ErrTimeout):
		result.ExitCode = ExitCodeUnknown
		result.TimedOut = true
		result.Stderr = appendLine(result.Stderr, "Process timed out")
	case runCtx.Err() != nil:
		result.ExitCode = ExitCodeUnknown
		result.Cancelled = true
		result.Stderr = appendLine(result.Stderr, "Process cancelled")
	default:
		result.ExitCode = ExitCodeUnknown
		if waitErr != nil {
			result.Stderr = appendLine(result.Stderr, waitErr.Error())
		}
	}

	slog.DebugContext(ctx, "process exited",
		"build_id", req.BuildID,
		"tool", tool,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
	)
	return result, nil
}

// Abort kills every process spawned for the build.
func (r *LocalRunner) Abort(ctx context.Context, buildID int64) (int, error) {
	n := r.procs.Abort(buildID)
	slog.InfoContext(ctx, "aborted build processes", "build_id", buildID, "count", n)
	return n, nil
}

// Healthy always reports true for the in-process runner.
func (r *LocalRunner) Healthy(context.Context) bool {
	return true
}

// RunningProcessCount of the in-process runner.
func (r *LocalRunner) RunningProcessCount(context.Context) int {
	return r.procs.Count()
}

func lookPath(name, path string) (string, error) {
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in %s", name, path)
}

func spawnFailure(result *Result, err error) *Result {
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.ExitCode = ExitCodeUnknown
	result.Stderr = fmt.Sprintf("failed to start process: %v", err)
	return result
}
