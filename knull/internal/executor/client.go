package executor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"knull.dev/knull/internal/executor/executorpb"
	"knull.dev/knull/internal/sandbox"
)

const (
	// ProbeTimeout bounds health and process count calls.
	ProbeTimeout = 5 * time.Second

	// DrainTimeout bounds how long Close waits for in-flight commands.
	DrainTimeout = 5 * time.Second

	// callGrace is added to a command's timeout to form the RPC deadline,
	// so the executor can report the timeout itself.
	callGrace = 30 * time.Second
)

// ErrTransport is returned when the executor could not be reached or failed to respond.
var ErrTransport = fmt.Errorf("executor transport error")

// ClientConfig configures the connection to a remote executor.
type ClientConfig struct {
	Addr   string
	UseTLS bool

	// TLSConfig is used when UseTLS is set. Defaults to the system roots.
	TLSConfig *tls.Config

	// MaxRecvMsgSize defaults to DefaultMaxMessageSize.
	MaxRecvMsgSize int

	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// Client forwards sandbox requests to a remote executor over a single long-lived channel.
// It is safe for concurrent use.
type Client struct {
	conn   *grpc.ClientConn
	rpc    executorpb.ExecutorClient
	health healthpb.HealthClient

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Dial opens the channel to the executor. Connection establishment is lazy,
// so an unreachable executor surfaces on the first call, not here.
func Dial(cfg ClientConfig) (*Client, error) {
	creds := insecure.NewCredentials()
	if cfg.UseTLS {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(tlsCfg)
	}
	maxRecv := cfg.MaxRecvMsgSize
	if maxRecv <= 0 {
		maxRecv = DefaultMaxMessageSize
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxRecv),
			grpc.MaxCallSendMsgSize(maxRecv),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(cfg.Addr, append(opts, cfg.DialOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor client for %q: %w", cfg.Addr, err)
	}
	slog.Info("executor channel opened", "addr", cfg.Addr, "tls", cfg.UseTLS, "max_recv_msg_size", maxRecv)
	return NewClient(conn), nil
}

// NewClient wraps an existing connection. Close will close conn.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:   conn,
		rpc:    executorpb.NewExecutorClient(conn),
		health: healthpb.NewHealthClient(conn),
	}
}

// Run executes the request on the remote executor.
func (c *Client) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	done, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout+callGrace)
		defer cancel()
	}

	startedAt := time.Now()
	in := &executorpb.ExecuteRequest{
		BuildID: req.BuildID,
		Tool:    req.Tool,
		Args:    req.Args,
		WorkDir: req.WorkDir,
		Env:     req.Env,
	}
	if req.Timeout > 0 {
		in.Timeout = durationpb.New(req.Timeout)
	}
	resp, err := c.rpc.Execute(callCtx, in)
	if err != nil {
		if ctx.Err() != nil {
			finishedAt := time.Now()
			return &sandbox.Result{
				ExitCode:   sandbox.ExitCodeUnknown,
				Stderr:     "Process cancelled",
				StartedAt:  startedAt,
				FinishedAt: finishedAt,
				Duration:   finishedAt.Sub(startedAt),
				Cancelled:  true,
			}, nil
		}
		return nil, fromStatus(err)
	}

	result := &sandbox.Result{
		Success:    resp.Success,
		ExitCode:   int(resp.ExitCode),
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		StartedAt:  time.Unix(0, resp.StartedAt),
		FinishedAt: time.Unix(0, resp.FinishedAt),
		TimedOut:   resp.TimedOut,
		Cancelled:  resp.Cancelled,
	}
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	return result, nil
}

// Abort asks the executor to stop every process of the build.
func (c *Client) Abort(ctx context.Context, buildID int64) (int, error) {
	done, err := c.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	resp, err := c.rpc.CancelBuild(ctx, &executorpb.CancelBuildRequest{BuildID: buildID})
	if err != nil {
		return 0, fromStatus(err)
	}
	return int(resp.Aborted), nil
}

// Healthy reports whether the executor answers its health check with SERVING.
// Any failure, including a timeout, is reported as unhealthy.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: executorpb.ServiceName})
	if err != nil {
		slog.WarnContext(ctx, "executor health check failed", "error", err)
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// RunningProcessCount reports the executor's in-flight processes, or -1 if it could not be determined.
func (c *Client) RunningProcessCount(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	resp, err := c.rpc.RunningProcesses(ctx, &emptypb.Empty{})
	if err != nil {
		slog.WarnContext(ctx, "failed to get executor process count", "error", err)
		return -1
	}
	return int(resp.GetValue())
}

// Close stops accepting new calls, waits up to DrainTimeout (or until ctx is done)
// for in-flight calls to finish, then closes the channel.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		slog.InfoContext(ctx, "executor channel drained")
	case <-timer.C:
		slog.WarnContext(ctx, "executor channel did not drain in time, forcing close")
	case <-ctx.Done():
		slog.WarnContext(ctx, "executor channel close interrupted, forcing close")
	}

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close executor channel: %w", err)
	}
	return nil
}

func (c *Client) begin() (func(), error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client is closed", ErrTransport)
	}
	c.inflight.Add(1)
	return c.inflight.Done, nil
}

// fromStatus maps executor rejections back to sandbox errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	switch st.Code() {
	case codes.PermissionDenied:
		return restore(sandbox.ErrDisallowedTool, st.Message())
	case codes.InvalidArgument:
		return restore(sandbox.ErrForbiddenOperator, st.Message())
	case codes.FailedPrecondition:
		return restore(sandbox.ErrInvalidEnv, st.Message())
	}
	return fmt.Errorf("%w: %s: %s", ErrTransport, st.Code(), st.Message())
}

func restore(sentinel error, msg string) error {
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()); ok {
		return fmt.Errorf("%w%s", sentinel, rest)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

var _ sandbox.Executor = (*Client)(nil)
