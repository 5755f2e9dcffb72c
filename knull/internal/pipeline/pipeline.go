// Package pipeline runs the fixed sequence of steps that turn a build trigger into a checked-out,
// scripted workspace, persisting the build after every step.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/sandbox"
	"knull.dev/knull/internal/secrets"
)

// ErrConfiguration marks build failures caused by job, credential or pipeline-definition errors.
var ErrConfiguration = fmt.Errorf("configuration error")

// Step names, in execution order.
const (
	StepPrepareWorkspace = "Prepare Workspace"
	StepCloneRepository  = "Clone Repository"
	StepCheckoutBranch   = "Checkout Branch"
	StepCheckoutCommit   = "Checkout Commit"
	StepRunScript        = "Run Script Steps"
	StepCleanupWorkspace = "Cleanup Workspace"
)

// Config holds the collaborators of a Pipeline.
type Config struct {
	Executor    sandbox.Executor
	Store       build.Store
	Credentials secrets.Resolver
	Decrypter   secrets.Decrypter
	Workspace   *Workspace

	// Tools is checked before any script step is handed to the executor.
	Tools *sandbox.AllowList

	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline executes builds. It holds no per-build state and is safe for concurrent use.
type Pipeline struct {
	exec        sandbox.Executor
	store       build.Store
	credentials secrets.Resolver
	decrypter   secrets.Decrypter
	workspace   *Workspace
	tools       *sandbox.AllowList
	now         func() time.Time
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		exec:        cfg.Executor,
		store:       cfg.Store,
		credentials: cfg.Credentials,
		decrypter:   cfg.Decrypter,
		workspace:   cfg.Workspace,
		tools:       cfg.Tools,
		now:         cfg.Now,
	}
	if p.tools == nil {
		p.tools = sandbox.NewAllowList()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Workspace used for builds.
func (p *Pipeline) Workspace() *Workspace {
	return p.workspace
}

type stepFunc func(ctx context.Context) (string, error)

// descriptor is one entry of the fixed step sequence.
type descriptor struct {
	name string
	run  stepFunc
	skip bool

	// always steps run even after an earlier failure, and never fail the pipeline.
	always bool
}

// run carries the state of a single pipeline execution.
type run struct {
	*Pipeline
	build    *build.Build
	job      build.Job
	dir      string
	redactor *Redactor
}

// Execute runs every step for b, mutating it in place and persisting it after each change.
// It returns the first step failure; later steps are skipped except cleanup.
func (p *Pipeline) Execute(ctx context.Context, b *build.Build, job build.Job) error {
	r := &run{
		Pipeline: p,
		build:    b,
		job:      job,
		dir:      p.workspace.Dir(b.ID),
		redactor: NewRedactor(),
	}

	steps := []descriptor{
		{name: StepPrepareWorkspace, run: r.prepareWorkspace},
		{name: StepCloneRepository, run: r.cloneRepository},
		{name: StepCheckoutBranch, run: r.checkoutBranch},
		{name: StepCheckoutCommit, run: r.checkoutCommit, skip: job.CheckoutLatestCommit},
		{name: StepRunScript, run: r.runScript},
		{name: StepCleanupWorkspace, run: r.cleanupWorkspace, skip: !job.CleanupWorkspace, always: true},
	}

	var failure error
	for _, step := range steps {
		if step.skip {
			continue
		}
		if step.always {
			r.runBestEffort(ctx, step)
			continue
		}
		if failure != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			failure = fmt.Errorf("build interrupted before %s: %w", step.name, context.Cause(ctx))
			continue
		}
		failure = r.runStep(ctx, step)
	}
	return failure
}

// begin appends a new in-progress step and its log header.
func (r *run) begin(name string) *build.Step {
	step := &build.Step{
		Name:      name,
		Status:    build.StepInProgress,
		StartedAt: r.now(),
	}
	r.build.Steps = append(r.build.Steps, step)
	r.build.AppendLog(fmt.Sprintf("\n=== %s ===\n", name))
	return step
}

// finish records the step outcome and appends it to the log.
func (r *run) finish(step *build.Step, output string, err error) {
	output = r.redactor.Redact(output)
	step.Output = output
	r.build.AppendLog(output)
	if err == nil {
		step.Complete(build.StepSuccess, r.now())
		return
	}
	step.ErrorMessage = r.redactor.Redact(err.Error())
	step.Complete(build.StepFailure, r.now())
	r.build.AppendLog("\nError: " + step.ErrorMessage + "\n")
}

func (r *run) runStep(ctx context.Context, d descriptor) error {
	// Step records are written even once the build context is cancelled.
	persistCtx := context.WithoutCancel(ctx)

	step := r.begin(d.name)
	if err := r.store.UpdateBuild(persistCtx, r.build); err != nil {
		r.finish(step, "", err)
		return fmt.Errorf("failed to persist %s: %w", d.name, err)
	}
	slog.InfoContext(ctx, "build step started", "build_id", r.build.ID, "step", d.name)

	output, err := d.run(ctx)
	r.finish(step, output, err)
	if persistErr := r.store.UpdateBuild(persistCtx, r.build); persistErr != nil {
		slog.ErrorContext(ctx, "failed to persist build step", "build_id", r.build.ID, "step", d.name, "error", persistErr)
		if err == nil {
			return fmt.Errorf("failed to persist %s: %w", d.name, persistErr)
		}
	}
	if err != nil {
		slog.ErrorContext(ctx, "build step failed", "build_id", r.build.ID, "step", d.name, "error", step.ErrorMessage)
		return fmt.Errorf("%s failed: %s", d.name, step.ErrorMessage)
	}
	slog.InfoContext(ctx, "build step succeeded", "build_id", r.build.ID, "step", d.name, "duration", step.Duration)
	return nil
}

// runBestEffort runs a step whose failures, including persistence failures, are only logged.
func (r *run) runBestEffort(ctx context.Context, d descriptor) {
	ctx = context.WithoutCancel(ctx)
	step := r.begin(d.name)
	if err := r.store.UpdateBuild(ctx, r.build); err != nil {
		slog.WarnContext(ctx, "failed to persist build step", "build_id", r.build.ID, "step", d.name, "error", err)
	}

	output, err := d.run(ctx)
	r.finish(step, output, err)
	if err != nil {
		slog.WarnContext(ctx, "best-effort build step failed", "build_id", r.build.ID, "step", d.name, "error", step.ErrorMessage)
	}
	if err := r.store.UpdateBuild(ctx, r.build); err != nil {
		slog.WarnContext(ctx, "failed to persist build step", "build_id", r.build.ID, "step", d.name, "error", err)
	}
}

func (r *run) prepareWorkspace(ctx context.Context) (string, error) {
	dir, err := r.workspace.Prepare(r.build.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Workspace prepared at %s\n", dir), nil
}

func (r *run) cloneRepository(ctx context.Context) (string, error) {
	cfg := r.job.Config
	cred, err := r.credentials.FindCredential(ctx, cfg.CredentialID)
	if err != nil {
		return "", fmt.Errorf("%w: failed to resolve credential %d: %w", ErrConfiguration, cfg.CredentialID, err)
	}
	authURL, hidden, err := AuthenticatedURL(cfg.GitRepository, cred, r.decrypter)
	if err != nil {
		return "", err
	}
	r.redactor = NewRedactor(hidden...)

	return r.git(ctx, r.workspace.Base, "clone", authURL, r.dir)
}

func (r *run) checkoutBranch(ctx context.Context) (string, error) {
	return r.git(ctx, r.dir, "checkout", r.build.Branch)
}

func (r *run) checkoutCommit(ctx context.Context) (string, error) {
	return r.git(ctx, r.dir, "checkout", r.build.CommitSHA)
}

func (r *run) git(ctx context.Context, dir string, args ...string) (string, error) {
	result, err := r.exec.Run(ctx, sandbox.Request{
		BuildID: r.build.ID,
		Tool:    "git",
		Args:    args,
		WorkDir: dir,
	})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	if err := result.Err(); err != nil {
		return result.Output(), fmt.Errorf("git %s: %w", args[0], err)
	}
	return result.Output(), nil
}

func (r *run) runScript(ctx context.Context) (string, error) {
	scriptFile := r.job.Config.ScriptFile
	if strings.TrimSpace(scriptFile) == "" {
		return "No build script configured, skipping script steps\n", nil
	}
	data, err := r.workspace.ReadFile(r.build.ID, scriptFile)
	if err != nil {
		return "", err
	}
	def, err := DecodeDefinition(scriptFile, data)
	if err != nil {
		return "", err
	}
	if len(def.Steps) == 0 {
		return "No steps defined in build script\n", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Pipeline %q from %s (blake3:%s)\n", def.Name, scriptFile, def.Digest)
	for i, step := range def.Steps {
		fmt.Fprintf(&out, "\n--- [%d/%d] %s ---\n", i+1, len(def.Steps), step.Name)
		if step.Run == nil {
			out.WriteString("No run command, skipping\n")
			continue
		}
		if _, err := r.tools.Resolve(step.Run.Tool); err != nil {
			return out.String(), fmt.Errorf("step %q: %w", step.Name, err)
		}

		result, err := r.exec.Run(ctx, sandbox.Request{
			BuildID: r.build.ID,
			Tool:    step.Run.Tool,
			Args:    step.Run.Args,
			WorkDir: r.dir,
			Env:     step.EnvList(),
			Timeout: step.Timeout,
		})
		if err != nil {
			return out.String(), fmt.Errorf("step %q: %w", step.Name, err)
		}
		out.WriteString(result.Output())
		if err := result.Err(); err != nil {
			return out.String(), fmt.Errorf("step %q failed: %w", step.Name, err)
		}
	}
	return out.String(), nil
}

func (r *run) cleanupWorkspace(ctx context.Context) (string, error) {
	if err := r.workspace.Cleanup(r.build.ID); err != nil {
		return "", err
	}
	return "Workspace cleaned up\n", nil
}
