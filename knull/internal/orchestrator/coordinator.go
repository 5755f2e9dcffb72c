// Package orchestrator drives builds from trigger to terminal status: it persists the build,
// runs the step pipeline, reports commit statuses and arbitrates cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/events"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/sandbox"
	"knull.dev/knull/internal/scm"
	"knull.dev/knull/internal/secrets"
)

const (
	// DefaultPublicURL prefixes links to builds when none is configured.
	DefaultPublicURL = "http://localhost:8080"

	// DefaultStatusContext identifies knull's commit statuses.
	DefaultStatusContext = "knull-ci"

	cancelBanner = "\n\n=== BUILD CANCELLED ===\nBuild was cancelled by user."

	// cancelAttempts bounds how often a cancellation is retried against concurrent step writes.
	cancelAttempts = 3
)

var (
	// ErrBuildCancelled is the cause of a build context cancelled by a user.
	ErrBuildCancelled = fmt.Errorf("build cancelled by user")

	// ErrShuttingDown is the cause of build contexts cancelled by Shutdown.
	ErrShuttingDown = fmt.Errorf("orchestrator shutting down")
)

// BranchResolver finds the head commit of a remote branch.
type BranchResolver interface {
	ResolveBranch(ctx context.Context, repoURL, branch string, auth *scm.BasicAuth) (string, error)
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Pipeline *pipeline.Pipeline
	Executor sandbox.Executor
	Store    build.Store

	// Credentials and Decrypter authenticate branch lookups for manual triggers.
	Credentials secrets.Resolver
	Decrypter   secrets.Decrypter
	Branches    BranchResolver

	Status scm.StatusReporter
	Events events.Publisher

	PublicURL     string
	StatusContext string

	Now func() time.Time
}

// Coordinator runs builds asynchronously and cancels them on request.
type Coordinator struct {
	pipeline *pipeline.Pipeline
	exec     sandbox.Executor
	store    build.Store

	credentials secrets.Resolver
	decrypter   secrets.Decrypter
	branches    BranchResolver

	status scm.StatusReporter
	events events.Publisher

	publicURL     string
	statusContext string
	now           func() time.Time

	running *registry
}

// New creates a Coordinator. Builds never run on the context of the triggering call.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		pipeline:      cfg.Pipeline,
		exec:          cfg.Executor,
		store:         cfg.Store,
		credentials:   cfg.Credentials,
		decrypter:     cfg.Decrypter,
		branches:      cfg.Branches,
		status:        cfg.Status,
		events:        cfg.Events,
		publicURL:     strings.TrimRight(cfg.PublicURL, "/"),
		statusContext: cfg.StatusContext,
		now:           cfg.Now,
		running:       newRegistry(),
	}
	if c.status == nil {
		c.status = scm.LogReporter{}
	}
	if c.events == nil {
		c.events = events.Discard{}
	}
	if c.branches == nil {
		c.branches = scm.BranchResolver{}
	}
	if c.publicURL == "" {
		c.publicURL = DefaultPublicURL
	}
	if c.statusContext == "" {
		c.statusContext = DefaultStatusContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ExecuteBuild runs a build for the trigger in the background and returns immediately.
func (c *Coordinator) ExecuteBuild(trigger build.Trigger) {
	go func() {
		ctx := context.Background()
		if _, err := c.Start(ctx, trigger); err != nil {
			slog.ErrorContext(ctx, "failed to start build", "job_id", trigger.Job.ID, "commit_sha", trigger.CommitSHA, "error", err)
		}
	}()
}

// Start persists a new build for the trigger and runs its pipeline in the background.
// The returned build is a snapshot taken before any step ran.
func (c *Coordinator) Start(ctx context.Context, trigger build.Trigger) (*build.Build, error) {
	b, buildCtx, err := c.create(ctx, trigger)
	if err != nil {
		return nil, err
	}
	snapshot := *b
	go c.run(buildCtx, b, trigger.Job)
	return &snapshot, nil
}

// RunBuild persists a new build for the trigger and runs it to a terminal status.
// It only returns an error if the build could not be created; pipeline failures
// are reported through the returned build's status.
func (c *Coordinator) RunBuild(ctx context.Context, trigger build.Trigger) (*build.Build, error) {
	b, buildCtx, err := c.create(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return c.run(buildCtx, b, trigger.Job), nil
}

func (c *Coordinator) create(ctx context.Context, trigger build.Trigger) (*build.Build, context.Context, error) {
	if c.running.isClosed() {
		return nil, nil, ErrShuttingDown
	}

	branch := trigger.Branch
	if branch == "" {
		branch = trigger.Job.Config.DefaultBranch()
	}
	repoURL := trigger.RepositoryURL
	if repoURL == "" {
		repoURL = trigger.Job.Config.GitRepository
	}
	b := &build.Build{
		JobID:           trigger.Job.ID,
		JobName:         trigger.Job.Name,
		CommitSHA:       trigger.CommitSHA,
		CommitMessage:   trigger.CommitMessage,
		Branch:          branch,
		RepositoryURL:   repoURL,
		RepositoryOwner: trigger.RepositoryOwner,
		RepositoryName:  trigger.RepositoryName,
		Status:          build.StatusInProgress,
		Log:             "Build started...\n",
		StartedAt:       c.now(),
		TriggeredBy:     trigger.TriggeredBy,
	}
	if err := c.store.SaveBuild(ctx, b); err != nil {
		return nil, nil, fmt.Errorf("failed to create build for job %q: %w", trigger.Job.Name, err)
	}

	buildCtx, cancel := context.WithCancelCause(context.Background())
	if !c.running.add(b.ID, cancel) {
		cancel(ErrShuttingDown)
		b.Finish(build.StatusFailure, c.now())
		b.AppendLog("\nBuild failed: " + ErrShuttingDown.Error())
		if err := c.store.UpdateBuild(ctx, b); err != nil {
			slog.ErrorContext(ctx, "failed to persist rejected build", "build_id", b.ID, "error", err)
		}
		return nil, nil, ErrShuttingDown
	}
	metricBuildsStarted.Inc()
	slog.InfoContext(ctx, "build started",
		"build_id", b.ID,
		"job_id", b.JobID,
		"job_name", b.JobName,
		"commit_sha", b.CommitSHA,
		"branch", b.Branch,
	)
	return b, buildCtx, nil
}

// run drives a created build to a terminal status and returns the build as persisted.
func (c *Coordinator) run(ctx context.Context, b *build.Build, job build.Job) *build.Build {
	defer c.running.remove(b.ID)

	// Reporting and finalization must outlive a cancelled build context.
	bg := context.WithoutCancel(ctx)

	c.report(bg, b, scm.StatePending, fmt.Sprintf("Build #%d is in progress...", b.ID))
	c.publish(bg, b, events.KindStarted, "")

	err := c.pipeline.Execute(ctx, b, job)
	return c.finalize(bg, b, err)
}

func (c *Coordinator) finalize(ctx context.Context, b *build.Build, runErr error) *build.Build {
	if runErr == nil {
		consolidate(b)
		b.Finish(build.StatusSuccess, c.now())
		b.AppendLog("\nBuild completed successfully!")
		if err := c.store.UpdateBuild(ctx, b); err != nil {
			if errors.Is(err, build.ErrFinished) {
				return c.finishedElsewhere(ctx, b)
			}
			slog.ErrorContext(ctx, "failed to persist successful build", "build_id", b.ID, "error", err)
		}
		slog.InfoContext(ctx, "build succeeded", "build_id", b.ID, "duration", b.Duration)
		c.observe(b)
		c.report(ctx, b, scm.StateSuccess, fmt.Sprintf("Build #%d passed", b.ID))
		c.publish(ctx, b, events.KindSucceeded, "")
		return b
	}

	// A cancellation may have been persisted while the pipeline was failing; it wins.
	current, err := c.store.FindBuild(ctx, b.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to re-read build before finalizing", "build_id", b.ID, "error", err)
	} else if current.Status.IsTerminal() {
		return c.finishedElsewhere(ctx, current)
	}

	msg := runErr.Error()
	consolidate(b)
	b.Finish(build.StatusFailure, c.now())
	b.AppendLog("\nBuild failed: " + msg)
	if err := c.store.UpdateBuild(ctx, b); err != nil {
		if errors.Is(err, build.ErrFinished) {
			return c.finishedElsewhere(ctx, b)
		}
		slog.ErrorContext(ctx, "failed to persist failed build", "build_id", b.ID, "error", err)
	}
	slog.ErrorContext(ctx, "build failed", "build_id", b.ID, "duration", b.Duration, "error", msg)
	c.observe(b)
	c.report(ctx, b, scm.StateFailure, fmt.Sprintf("Build #%d failed", b.ID))
	c.publish(ctx, b, events.KindFailed, msg)
	return b
}

// finishedElsewhere handles a build whose terminal status was written by someone else,
// which in practice is the cancellation controller.
func (c *Coordinator) finishedElsewhere(ctx context.Context, b *build.Build) *build.Build {
	current, err := c.store.FindBuild(ctx, b.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load finished build", "build_id", b.ID, "error", err)
		return b
	}
	slog.InfoContext(ctx, "build already finished, not overwriting status", "build_id", current.ID, "status", current.Status)
	if current.Status == build.StatusCancelled {
		c.report(ctx, current, scm.StateFailure, fmt.Sprintf("Build #%d was cancelled", current.ID))
	}
	return current
}

// consolidate appends a per-step summary to the build log.
func consolidate(b *build.Build) {
	var sb strings.Builder
	sb.WriteString("\n\n=== Build Summary ===\n")
	for _, step := range b.Steps {
		fmt.Fprintf(&sb, "%s: %s", step.Name, step.Status)
		if !step.CompletedAt.IsZero() {
			fmt.Fprintf(&sb, " (%s)", step.Duration.Round(time.Millisecond))
		}
		sb.WriteString("\n")
		if step.ErrorMessage != "" {
			fmt.Fprintf(&sb, "  Error: %s\n", step.ErrorMessage)
		}
	}
	b.AppendLog(sb.String())
}

// CancelBuild stops a running build and records it as cancelled.
// Cancelling a build that is not running is reported as an unsuccessful result, never an error.
func (c *Coordinator) CancelBuild(ctx context.Context, id int64) build.CancelResult {
	var b *build.Build
	for attempt := 1; ; attempt++ {
		current, err := c.store.FindBuild(ctx, id)
		if errors.Is(err, build.ErrNotFound) {
			return build.CancelResult{Message: "Build not found"}
		}
		if err != nil {
			slog.ErrorContext(ctx, "failed to load build for cancellation", "build_id", id, "error", err)
			return build.CancelResult{Message: "Failed to load build"}
		}
		if current.Status != build.StatusInProgress {
			return build.CancelResult{Message: fmt.Sprintf("Build is not in progress. Current status: %s", current.Status)}
		}
		if !c.running.has(id) {
			return build.CancelResult{Message: "Build not found in running builds (may have already completed)"}
		}

		// The cancelled status is persisted before the pipeline is interrupted so that
		// every write the interrupted pipeline attempts afterwards is rejected.
		b = current.Clone()
		now := c.now()
		b.Finish(build.StatusCancelled, now)
		for _, step := range b.Steps {
			if step.Status == build.StepInProgress {
				step.ErrorMessage = build.CancelledStepMessage
				step.Complete(build.StepFailure, now)
			}
		}
		b.AppendLog(cancelBanner)

		err = c.store.SwapBuild(ctx, current, b)
		if err == nil {
			break
		}
		// The pipeline persisted a step since the build was read; cancel on top of it.
		if errors.Is(err, build.ErrConflict) && attempt < cancelAttempts {
			continue
		}
		if errors.Is(err, build.ErrFinished) {
			if latest, findErr := c.store.FindBuild(ctx, id); findErr == nil {
				return build.CancelResult{Message: fmt.Sprintf("Build is not in progress. Current status: %s", latest.Status)}
			}
		}
		slog.ErrorContext(ctx, "failed to persist cancelled build", "build_id", id, "attempt", attempt, "error", err)
		return build.CancelResult{Message: "Failed to cancel build"}
	}

	c.running.cancel(id, ErrBuildCancelled)
	aborted, err := c.exec.Abort(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "executor failed to abort build processes", "build_id", id, "error", err)
	} else {
		slog.InfoContext(ctx, "aborted build processes", "build_id", id, "processes", aborted)
	}

	slog.InfoContext(ctx, "build cancelled", "build_id", id)
	c.observe(b)
	c.publish(ctx, b, events.KindCancelled, "")
	return build.CancelResult{Success: true, Message: "Build cancelled successfully"}
}

// IsRunning reports whether the build's pipeline is still running.
func (c *Coordinator) IsRunning(id int64) bool {
	return c.running.has(id)
}

// RunningBuilds is the number of builds whose pipeline is running.
func (c *Coordinator) RunningBuilds() int {
	return c.running.count()
}

// IsHealthy reports whether the executor backend can accept commands.
func (c *Coordinator) IsHealthy(ctx context.Context) bool {
	return c.exec.Healthy(ctx)
}

// RunningProcessCount reports processes running on the executor, or -1 if unknown.
func (c *Coordinator) RunningProcessCount(ctx context.Context) int {
	return c.exec.RunningProcessCount(ctx)
}

// Shutdown stops accepting builds and waits for running builds to finish. Builds still
// running when ctx is done are cancelled, and Shutdown waits for their pipelines to unwind.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.running.close()
	select {
	case <-c.running.wait():
		return nil
	case <-ctx.Done():
	}
	slog.WarnContext(ctx, "cancelling running builds", "builds", c.running.count())
	c.running.cancelAll(ErrShuttingDown)
	<-c.running.wait()
	return ctx.Err()
}

func (c *Coordinator) targetURL(id int64) string {
	return fmt.Sprintf("%s/builds/%d/pipeline", c.publicURL, id)
}

func (c *Coordinator) report(ctx context.Context, b *build.Build, state scm.State, description string) {
	err := c.status.UpdateCommitStatus(ctx, scm.StatusUpdate{
		Owner:       b.RepositoryOwner,
		Repo:        b.RepositoryName,
		SHA:         b.CommitSHA,
		State:       state,
		TargetURL:   c.targetURL(b.ID),
		Description: description,
		Context:     c.statusContext,
	})
	if err != nil {
		metricCommitStatusErrors.Inc()
		slog.WarnContext(ctx, "failed to update commit status", "build_id", b.ID, "state", state, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, b *build.Build, kind events.Kind, message string) {
	err := c.events.Publish(ctx, events.Event{
		Kind:      kind,
		BuildID:   b.ID,
		JobID:     b.JobID,
		JobName:   b.JobName,
		Status:    string(b.Status),
		CommitSHA: b.CommitSHA,
		Branch:    b.Branch,
		Message:   message,
		Time:      c.now(),
	})
	if err != nil {
		metricEventErrors.Inc()
		slog.WarnContext(ctx, "failed to publish build event", "build_id", b.ID, "kind", kind, "error", err)
	}
}

func (c *Coordinator) observe(b *build.Build) {
	status := string(b.Status)
	metricBuildsFinished.WithLabelValues(status).Inc()
	metricBuildDuration.WithLabelValues(status).Observe(b.Duration.Seconds())
}
