// Package sandbox validates and runs allow-listed external commands for build steps.
//
// Every backend (local subprocess, docker container, remote executor) implements
// Executor, so callers never need to know where a command actually runs.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds a single command when the request does not set one.
	DefaultTimeout = 15 * time.Minute

	// DefaultPath is the only environment inherited by spawned commands.
	DefaultPath = "/usr/bin:/bin"

	// ExitCodeUnknown is reported when a process was killed or never started.
	ExitCodeUnknown = -1
)

var (
	// ErrDisallowedTool is returned when a request names a tool outside the allow-list.
	ErrDisallowedTool = fmt.Errorf("disallowed tool")

	// ErrForbiddenOperator is returned when an argument contains a shell operator.
	ErrForbiddenOperator = fmt.Errorf("forbidden operator")

	// ErrInvalidEnv is returned when a request carries a malformed or reserved environment variable.
	ErrInvalidEnv = fmt.Errorf("invalid environment variable")

	// ErrProcessFailure is reported for commands that ran and did not succeed.
	ErrProcessFailure = fmt.Errorf("process failed")

	// ErrTimeout is reported for commands that exceeded their timeout.
	ErrTimeout = fmt.Errorf("%w: Process timed out", ErrProcessFailure)

	// ErrCancelled is reported for commands aborted before they finished.
	ErrCancelled = fmt.Errorf("%w: Process cancelled", ErrProcessFailure)
)

// Request describes a single command invocation.
type Request struct {
	// BuildID tags the process so it can be aborted along with its build.
	BuildID int64

	Tool    string
	Args    []string
	WorkDir string

	// Env holds additional variables in the form "KEY=VALUE". PATH may not be overridden.
	Env []string

	// Timeout overrides the backend default when positive.
	Timeout time.Duration
}

// Result of a command that was spawned.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	TimedOut  bool
	Cancelled bool
}

// Output combines stdout and stderr the way it is presented in build logs.
func (r *Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Err reports why the command did not succeed, or nil if it did.
func (r *Result) Err() error {
	switch {
	case r.Success:
		return nil
	case r.TimedOut:
		return ErrTimeout
	case r.Cancelled:
		return ErrCancelled
	}
	return fmt.Errorf("%w with exit code: %d", ErrProcessFailure, r.ExitCode)
}

// Executor runs commands on behalf of build steps.
type Executor interface {
	// Run validates and executes the request, blocking until it exits.
	// Security rejections and transport failures are returned as errors,
	// while commands that ran report their outcome through the Result.
	Run(ctx context.Context, req Request) (*Result, error)

	// Abort stops every process tagged with the build id and reports how many were stopped.
	Abort(ctx context.Context, buildID int64) (int, error)

	// Healthy reports whether the backend is able to accept commands.
	Healthy(ctx context.Context) bool

	// RunningProcessCount reports in-flight processes, or -1 if unknown.
	RunningProcessCount(ctx context.Context) int
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s + line
}
