package sandbox_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"knull.dev/knull/internal/sandbox"
)

func newTestRunner(opts ...sandbox.LocalOption) *sandbox.LocalRunner {
	tools := sandbox.NewAllowList("echo", "false", "ls", "sleep", "env", "pwd", "head", "missing-knull-tool")
	return sandbox.NewLocalRunner(append([]sandbox.LocalOption{sandbox.WithAllowList(tools)}, opts...)...)
}

func TestLocalRunner_ImplementsInterface(t *testing.T) {
	var _ sandbox.Executor = (*sandbox.LocalRunner)(nil)
}

func TestLocalRunner_Success(t *testing.T) {
	runner := newTestRunner()

	result, err := runner.Run(context.Background(), sandbox.Request{Tool: "ECHO", Args: []string{"hello", "world"}})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello world\n", result.Stdout)
	assert.Empty(t, result.Stderr)
	assert.False(t, result.StartedAt.IsZero())
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
	assert.Equal(t, result.FinishedAt.Sub(result.StartedAt), result.Duration)
	assert.NoError(t, result.Err())
}

func TestLocalRunner_NonZeroExit(t *testing.T) {
	runner := newTestRunner()

	result, err := runner.Run(context.Background(), sandbox.Request{Tool: "false"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	assert.ErrorIs(t, result.Err(), sandbox.ErrProcessFailure)

	result, err = runner.Run(context.Background(), sandbox.Request{Tool: "ls", Args: []string{"/definitely/not/a/knull/path"}})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotZero(t, result.ExitCode)
	assert.NotEmpty(t, result.Stderr)
}

func TestLocalRunner_WorkDir(t *testing.T) {
	runner := newTestRunner()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	result, err := runner.Run(context.Background(), sandbox.Request{Tool: "pwd", WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(result.Stdout))
}

func TestLocalRunner_MinimalEnvironment(t *testing.T) {
	t.Setenv("KNULL_TEST_SECRET", "hunter2")
	runner := newTestRunner()

	result, err := runner.Run(context.Background(), sandbox.Request{Tool: "env", Env: []string{"CI=true"}})
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)

	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	assert.ElementsMatch(t, []string{"PATH=" + sandbox.DefaultPath, "CI=true"}, lines)
	assert.NotContains(t, result.Stdout, "hunter2")
}

func TestLocalRunner_LargeOutput(t *testing.T) {
	runner := newTestRunner()

	result, err := runner.Run(context.Background(), sandbox.Request{Tool: "head", Args: []string{"-c", "1048576", "/dev/zero"}})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.Stdout, 1048576)
}

func TestLocalRunner_Timeout(t *testing.T) {
	runner := newTestRunner()

	result, err := runner.Run(context.Background(), sandbox.Request{
		Tool:    "sleep",
		Args:    []string{"5"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Equal(t, sandbox.ExitCodeUnknown, result.ExitCode)
	assert.Contains(t, result.Stderr, "Process timed out")
	assert.ErrorIs(t, result.Err(), sandbox.ErrTimeout)
	assert.Less(t, result.Duration, 5*time.Second)
}

func TestLocalRunner_DefaultTimeoutOption(t *testing.T) {
	runner := newTestRunner(sandbox.WithTimeout(100 * time.Millisecond))

	result, err := runner.Run(context.Background(), sandbox.Request{Tool: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
}

func TestLocalRunner_Abort(t *testing.T) {
	runner := newTestRunner()
	ctx := context.Background()

	done := make(chan *sandbox.Result, 1)
	go func() {
		result, err := runner.Run(ctx, sandbox.Request{BuildID: 7, Tool: "sleep", Args: []string{"10"}})
		assert.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		return runner.RunningProcessCount(ctx) == 1
	}, 5*time.Second, 10*time.Millisecond)

	n, err := runner.Abort(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case result := <-done:
		assert.True(t, result.Cancelled)
		assert.Equal(t, sandbox.ExitCodeUnknown, result.ExitCode)
		assert.ErrorIs(t, result.Err(), sandbox.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted process did not exit")
	}
	assert.Equal(t, 0, runner.RunningProcessCount(ctx))

	n, err = runner.Abort(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLocalRunner_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		req     sandbox.Request
		wantErr error
	}{
		{
			name:    "DisallowedTool",
			req:     sandbox.Request{Tool: "bash", Args: []string{"-c", "id"}},
			wantErr: sandbox.ErrDisallowedTool,
		},
		{
			name:    "DisallowedToolMixedCase",
			req:     sandbox.Request{Tool: "Sh"},
			wantErr: sandbox.ErrDisallowedTool,
		},
		{
			name:    "ForbiddenOperator",
			req:     sandbox.Request{Tool: "echo", Args: []string{"hi", "&&", "id"}},
			wantErr: sandbox.ErrForbiddenOperator,
		},
		{
			name:    "InvalidEnv",
			req:     sandbox.Request{Tool: "echo", Env: []string{"PATH=/tmp"}},
			wantErr: sandbox.ErrInvalidEnv,
		},
	}

	runner := newTestRunner()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := runner.Run(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Nil(t, result)
			assert.Equal(t, 0, runner.RunningProcessCount(context.Background()))
		})
	}
}

func TestLocalRunner_MissingExecutable(t *testing.T) {
	runner := newTestRunner()

	result, err := runner.Run(context.Background(), sandbox.Request{Tool: "missing-knull-tool"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, sandbox.ExitCodeUnknown, result.ExitCode)
	assert.Contains(t, result.Stderr, "not found")
}
