// Package executorpb defines the wire contract between the orchestrator and a remote executor.
package executorpb

import (
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
)

// ExecuteRequest asks the executor to run a single command.
type ExecuteRequest struct {
	BuildID int64                `json:"build_id"`
	Tool    string               `json:"tool"`
	Args    []string             `json:"args,omitempty"`
	WorkDir string               `json:"work_dir,omitempty"`
	Env     []string             `json:"env,omitempty"`
	Timeout *durationpb.Duration `json:"timeout,omitempty"`
}

// TimeoutDuration returns the requested timeout, or zero when the executor default applies.
func (r *ExecuteRequest) TimeoutDuration() time.Duration {
	if r == nil || r.Timeout == nil {
		return 0
	}
	return r.Timeout.AsDuration()
}

// ExecuteResponse reports the outcome of a command that was spawned.
type ExecuteResponse struct {
	Success    bool   `json:"success"`
	ExitCode   int32  `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	StartedAt  int64  `json:"started_at_unix_nano"`
	FinishedAt int64  `json:"finished_at_unix_nano"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// CancelBuildRequest asks the executor to abort every process of a build.
type CancelBuildRequest struct {
	BuildID int64 `json:"build_id"`
}

// CancelBuildResponse reports how many processes were aborted.
type CancelBuildResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Aborted int32  `json:"aborted"`
}
