package executor_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"knull.dev/knull/internal/executor"
	"knull.dev/knull/internal/executor/executortest"
	"knull.dev/knull/internal/sandbox"
)

func TestClient_Run(t *testing.T) {
	startedAt := time.Unix(1700000000, 0)
	mock := sandbox.NewMock()
	mock.RunFn = func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{
			Success:    false,
			ExitCode:   3,
			Stdout:     "out",
			Stderr:     "err",
			StartedAt:  startedAt,
			FinishedAt: startedAt.Add(2 * time.Second),
		}, nil
	}
	client, cleanup := executortest.New(t, mock)
	defer cleanup()

	req := sandbox.Request{
		BuildID: 42,
		Tool:    "npm",
		Args:    []string{"run", "test"},
		WorkDir: "/tmp/knull-workspace/build-42",
		Env:     []string{"CI=true"},
		Timeout: 90 * time.Second,
	}
	result, err := client.Run(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "out", result.Stdout)
	assert.Equal(t, "err", result.Stderr)
	assert.True(t, startedAt.Equal(result.StartedAt))
	assert.Equal(t, 2*time.Second, result.Duration)

	requests := mock.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, req, requests[0])
}

func TestClient_RunSubSecondTimeout(t *testing.T) {
	runner := sandbox.NewLocalRunner(
		sandbox.WithAllowList(sandbox.NewAllowList("sleep")),
		sandbox.WithTimeout(3*time.Second),
	)
	client, cleanup := executortest.New(t, runner)
	defer cleanup()

	result, err := client.Run(context.Background(), sandbox.Request{
		Tool:    "sleep",
		Args:    []string{"2"},
		Timeout: 400 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Equal(t, sandbox.ExitCodeUnknown, result.ExitCode)
	assert.Less(t, result.Duration, 1500*time.Millisecond)
}

func TestClient_RunForwardsExactTimeout(t *testing.T) {
	mock := sandbox.NewMock()
	client, cleanup := executortest.New(t, mock)
	defer cleanup()

	for _, timeout := range []time.Duration{0, 400 * time.Millisecond, 1600 * time.Millisecond} {
		_, err := client.Run(context.Background(), sandbox.Request{Tool: "git", Timeout: timeout})
		require.NoError(t, err)
	}

	requests := mock.Requests()
	require.Len(t, requests, 3)
	assert.Zero(t, requests[0].Timeout)
	assert.Equal(t, 400*time.Millisecond, requests[1].Timeout)
	assert.Equal(t, 1600*time.Millisecond, requests[2].Timeout)
}

func TestClient_Rejections(t *testing.T) {
	client, cleanup := executortest.New(t, sandbox.NewLocalRunner())
	defer cleanup()

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
			name:    "ForbiddenOperator",
			req:     sandbox.Request{Tool: "git", Args: []string{"log", "|", "cat"}},
			wantErr: sandbox.ErrForbiddenOperator,
		},
		{
			name:    "InvalidEnv",
			req:     sandbox.Request{Tool: "git", Env: []string{"PATH=/tmp"}},
			wantErr: sandbox.ErrInvalidEnv,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := client.Run(context.Background(), tc.req)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.NotErrorIs(t, err, executor.ErrTransport)
		})
	}
}

func TestClient_Probes(t *testing.T) {
	mock := sandbox.NewMock()
	mock.ProcessCount = 3
	mock.AbortFn = func(ctx context.Context, buildID int64) (int, error) {
		return 2, nil
	}
	client, cleanup := executortest.New(t, mock)
	defer cleanup()

	ctx := context.Background()
	assert.True(t, client.Healthy(ctx))
	assert.Equal(t, 3, client.RunningProcessCount(ctx))

	n, err := client.Abort(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{9}, mock.Aborted())
}

func TestClient_Unreachable(t *testing.T) {
	client, err := executor.Dial(executor.ClientConfig{
		Addr: "passthrough:///unreachable",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				return nil, errors.New("connection refused")
			}),
		},
	})
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx := context.Background()
	assert.False(t, client.Healthy(ctx))
	assert.Equal(t, -1, client.RunningProcessCount(ctx))

	_, err = client.Run(ctx, sandbox.Request{Tool: "git", Args: []string{"status"}})
	assert.ErrorIs(t, err, executor.ErrTransport)

	_, err = client.Abort(ctx, 1)
	assert.ErrorIs(t, err, executor.ErrTransport)
}

func TestClient_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	mock := sandbox.NewMock()
	mock.RunFn = func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		close(started)
		<-ctx.Done()
		return &sandbox.Result{ExitCode: sandbox.ExitCodeUnknown, Cancelled: true}, nil
	}
	client, cleanup := executortest.New(t, mock)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := client.Run(ctx, sandbox.Request{BuildID: 1, Tool: "git"})
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.ErrorIs(t, result.Err(), sandbox.ErrCancelled)
}

func TestClient_CloseDrainsInflight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mock := sandbox.NewMock()
	mock.RunFn = func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		close(started)
		<-release
		return &sandbox.Result{Success: true, Stdout: "done"}, nil
	}
	client, cleanup := executortest.New(t, mock)
	defer cleanup()

	resultCh := make(chan *sandbox.Result, 1)
	go func() {
		result, err := client.Run(context.Background(), sandbox.Request{Tool: "git"})
		assert.NoError(t, err)
		resultCh <- result
	}()
	<-started

	closed := make(chan error, 1)
	go func() {
		closed <- client.Close(context.Background())
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a command was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-closed)
	assert.Equal(t, "done", (<-resultCh).Stdout)

	_, err := client.Run(context.Background(), sandbox.Request{Tool: "git"})
	assert.ErrorIs(t, err, executor.ErrTransport)
}
