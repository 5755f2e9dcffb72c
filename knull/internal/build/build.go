// Package build defines the records a build execution produces and the store that persists them.
package build

import (
	"context"
	"fmt"
	"time"
)

// Status of a Build.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// StepStatus of a Step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepSuccess    StepStatus = "SUCCESS"
	StepFailure    StepStatus = "FAILURE"
	StepSkipped    StepStatus = "SKIPPED"
)

// CancelledStepMessage is recorded on steps interrupted by a cancellation.
const CancelledStepMessage = "cancelled by user"

var (
	// ErrNotFound is returned when a build does not exist.
	ErrNotFound = fmt.Errorf("build not found")

	// ErrFinished is returned when a write targets a build that already reached a terminal status.
	ErrFinished = fmt.Errorf("build already finished")

	// ErrConflict is returned by SwapBuild when the stored build changed since it was read.
	ErrConflict = fmt.Errorf("build changed concurrently")
)

// Step is one named unit of work inside a build.
type Step struct {
	Name         string        `json:"name"`
	Status       StepStatus    `json:"status"`
	Output       string        `json:"output,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at,omitzero"`
	Duration     time.Duration `json:"duration"`
}

// Complete records a terminal status for the step.
func (s *Step) Complete(status StepStatus, now time.Time) {
	s.Status = status
	s.CompletedAt = now
	s.Duration = now.Sub(s.StartedAt)
}

// Build is one execution attempt of a job against a specific commit.
type Build struct {
	ID              int64     `json:"id"`
	JobID           int64     `json:"job_id"`
	JobName         string    `json:"job_name"`
	CommitSHA       string    `json:"commit_sha"`
	CommitMessage   string    `json:"commit_message,omitempty"`
	Branch          string    `json:"branch"`
	RepositoryURL   string    `json:"repository_url"`
	RepositoryOwner string    `json:"repository_owner"`
	RepositoryName  string    `json:"repository_name"`
	Status          Status    `json:"status"`
	Log             string    `json:"log"`
	Steps           []*Step   `json:"steps"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
	// Duration is only meaningful once CompletedAt is set.
	Duration    time.Duration `json:"duration"`
	TriggeredBy string        `json:"triggered_by,omitempty"`
}

// AppendLog appends text to the build log.
func (b *Build) AppendLog(text string) {
	b.Log += text
}

// Finish transitions the build into a terminal status, recording completion time and duration.
// It returns false without changes if the build is already terminal.
func (b *Build) Finish(status Status, now time.Time) bool {
	if b.Status.IsTerminal() || !status.IsTerminal() {
		return false
	}
	b.Status = status
	b.CompletedAt = now
	b.Duration = now.Sub(b.StartedAt)
	return true
}

// Step returns the last step with the given name, or nil.
func (b *Build) Step(name string) *Step {
	for i := len(b.Steps) - 1; i >= 0; i-- {
		if b.Steps[i].Name == name {
			return b.Steps[i]
		}
	}
	return nil
}

// Clone returns a copy of b that shares no steps with it.
func (b *Build) Clone() *Build {
	c := *b
	c.Steps = make([]*Step, len(b.Steps))
	for i, step := range b.Steps {
		s := *step
		c.Steps[i] = &s
	}
	return &c
}

// Store persists builds. Implementations must be safe for concurrent use on distinct builds.
type Store interface {
	// SaveBuild inserts a new build and assigns its ID.
	SaveBuild(ctx context.Context, b *Build) error

	// UpdateBuild persists every field of b. Writes to a build whose stored status is
	// already terminal fail with ErrFinished.
	UpdateBuild(ctx context.Context, b *Build) error

	// SwapBuild persists b only if the stored build still has the status, steps and log of old.
	// It fails with ErrConflict when they differ and ErrFinished when the stored build is terminal.
	SwapBuild(ctx context.Context, old, b *Build) error

	// FindBuild returns the build with the given id or ErrNotFound.
	FindBuild(ctx context.Context, id int64) (*Build, error)
}
