// Package pipelinetest provides fixtures for tests that drive builds through a pipeline.
package pipelinetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/sandbox"
	"knull.dev/knull/internal/secrets"
	"knull.dev/knull/internal/store"
)

// Token is the plaintext token of the fixture credential.
const Token = "ghp_knullTestToken0123456789"

// ScriptFile is the pipeline-definition path used by fixture jobs.
const ScriptFile = "knull.yml"

// TwoStepScript declares two passing npm steps.
const TwoStepScript = `
name: api
steps:
  - name: install dependencies
    run: {tool: npm, args: [ci]}
  - name: run tests
    run: {tool: npm, args: [test]}
    env: {CI: "true"}
    timeout: 2m
`

// Env bundles a sqlite store, an encrypted token credential, a temporary workspace and a mock executor.
type Env struct {
	Store      *store.Store
	Cipher     *secrets.Cipher
	Credential *secrets.Credential
	Workspace  *pipeline.Workspace
	Executor   *sandbox.Mock

	mu    sync.Mutex
	files map[string]string
}

// New creates an Env whose executor clones a repository containing TwoStepScript.
func New(t *testing.T) *Env {
	t.Helper()
	ctx := context.Background()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := store.Open(ctx, store.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cipher, err := secrets.NewCipherFromPassphrase("knull-test")
	require.NoError(t, err)
	token, err := cipher.Encrypt(Token)
	require.NoError(t, err)
	cred := &secrets.Credential{Name: "github", EncryptedToken: token}
	require.NoError(t, s.SaveCredential(ctx, cred))

	ws, err := pipeline.NewWorkspace(t.TempDir())
	require.NoError(t, err)

	env := &Env{
		Store:      s,
		Cipher:     cipher,
		Credential: cred,
		Workspace:  ws,
		Executor:   sandbox.NewMock(),
		files:      map[string]string{ScriptFile: TwoStepScript},
	}
	env.Executor.RunFn = env.Run
	return env
}

// SetRepository replaces the files written into the workspace by "git clone".
func (env *Env) SetRepository(files map[string]string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.files = files
}

// Run is the default executor behavior: "git clone" materializes the fixture repository
// in its target directory and every other command succeeds, echoing its command line.
func (env *Env) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	if _, err := sandbox.NewAllowList().Validate(req); err != nil {
		return nil, err
	}
	if req.Tool == "git" && len(req.Args) == 3 && req.Args[0] == "clone" {
		env.mu.Lock()
		defer env.mu.Unlock()
		for name, content := range env.files {
			path := filepath.Join(req.Args[2], name)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return Succeeded("Cloning into '" + req.Args[2] + "'...\n"), nil
	}
	return Succeeded(req.Tool + " " + strings.Join(req.Args, " ") + "\n"), nil
}

// Succeeded returns a successful result with the given stdout.
func Succeeded(stdout string) *sandbox.Result {
	now := time.Now()
	return &sandbox.Result{Success: true, Stdout: stdout, StartedAt: now, FinishedAt: now}
}

// Failed returns a result for a command that exited with code.
func Failed(code int, stderr string) *sandbox.Result {
	now := time.Now()
	return &sandbox.Result{ExitCode: code, Stderr: stderr, StartedAt: now, FinishedAt: now}
}

// Pipeline creates a pipeline wired to the Env.
func (env *Env) Pipeline() *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		Executor:    env.Executor,
		Store:       env.Store,
		Credentials: env.Store,
		Decrypter:   env.Cipher,
		Workspace:   env.Workspace,
	})
}

// Job returns a simple job building main with the fixture credential and script.
func (env *Env) Job() build.Job {
	return build.Job{
		ID:   1,
		Name: "api",
		Config: build.JobConfig{
			Kind:          build.JobSimple,
			GitRepository: "https://github.com/knull/api.git",
			CredentialID:  env.Credential.ID,
			Branch:        "main",
			ScriptFile:    ScriptFile,
		},
		CleanupWorkspace: true,
	}
}

// Trigger returns a trigger for job at a fixed commit on main.
func Trigger(job build.Job) build.Trigger {
	return build.Trigger{
		Job:             job,
		CommitSHA:       "9fceb02d0ae598e95dc970b74767f19372d61af8",
		CommitMessage:   "add feature",
		Branch:          "main",
		RepositoryURL:   job.Config.GitRepository,
		RepositoryOwner: "knull",
		RepositoryName:  "api",
		TriggeredBy:     "test",
	}
}

// SaveBuild persists a new in-progress build for job.
func (env *Env) SaveBuild(t *testing.T, job build.Job) *build.Build {
	t.Helper()
	trigger := Trigger(job)
	b := &build.Build{
		JobID:           job.ID,
		JobName:         job.Name,
		CommitSHA:       trigger.CommitSHA,
		CommitMessage:   trigger.CommitMessage,
		Branch:          trigger.Branch,
		RepositoryURL:   trigger.RepositoryURL,
		RepositoryOwner: trigger.RepositoryOwner,
		RepositoryName:  trigger.RepositoryName,
		Status:          build.StatusInProgress,
		Log:             "Build started...\n",
		StartedAt:       time.Now(),
		TriggeredBy:     trigger.TriggeredBy,
	}
	require.NoError(t, env.Store.SaveBuild(context.Background(), b))
	return b
}

// StepNames of b in order.
func StepNames(b *build.Build) []string {
	names := make([]string, 0, len(b.Steps))
	for _, s := range b.Steps {
		names = append(names, s.Name)
	}
	return names
}
