// Package executor exposes a sandbox backend over gRPC and provides the matching client.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"knull.dev/knull/internal/executor/executorpb"
	"knull.dev/knull/internal/sandbox"
)

// DefaultMaxMessageSize bounds inbound messages; build output can be large.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// Server implements the executor service on top of a sandbox backend.
type Server struct {
	backend sandbox.Executor
}

// New creates an executor service that runs commands with backend.
func New(backend sandbox.Executor) *Server {
	return &Server{backend: backend}
}

// ServerConfig configures the gRPC server created by NewGRPCServer.
type ServerConfig struct {
	// MaxRecvMsgSize defaults to DefaultMaxMessageSize.
	MaxRecvMsgSize int

	// Creds enables TLS when set.
	Creds credentials.TransportCredentials
}

// NewGRPCServer creates a gRPC server with the executor and health services registered.
// The health server reports SERVING for the executor service until Shutdown is called on it.
func NewGRPCServer(backend sandbox.Executor, cfg ServerConfig) (*grpc.Server, *health.Server) {
	maxRecv := cfg.MaxRecvMsgSize
	if maxRecv <= 0 {
		maxRecv = DefaultMaxMessageSize
	}
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxRecv),
		grpc.MaxSendMsgSize(maxRecv),
		grpc.UnaryInterceptor(grpcWithUnaryMetrics),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.Creds != nil {
		opts = append(opts, grpc.Creds(cfg.Creds))
	}

	srv := grpc.NewServer(opts...)
	executorpb.RegisterExecutorServer(srv, New(backend))

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus(executorpb.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return srv, healthSrv
}

// Execute runs a single command and reports its result.
func (srv *Server) Execute(ctx context.Context, req *executorpb.ExecuteRequest) (*executorpb.ExecuteResponse, error) {
	result, err := srv.backend.Run(ctx, sandbox.Request{
		BuildID: req.BuildID,
		Tool:    req.Tool,
		Args:    req.Args,
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Timeout: req.TimeoutDuration(),
	})
	if err != nil {
		slog.WarnContext(ctx, "rejected execute request", "build_id", req.BuildID, "tool", req.Tool, "error", err)
		return nil, toStatus(err)
	}

	return &executorpb.ExecuteResponse{
		Success:    result.Success,
		ExitCode:   int32(result.ExitCode),
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		StartedAt:  result.StartedAt.UnixNano(),
		FinishedAt: result.FinishedAt.UnixNano(),
		TimedOut:   result.TimedOut,
		Cancelled:  result.Cancelled,
	}, nil
}

// CancelBuild aborts every process running for the build.
func (srv *Server) CancelBuild(ctx context.Context, req *executorpb.CancelBuildRequest) (*executorpb.CancelBuildResponse, error) {
	n, err := srv.backend.Abort(ctx, req.BuildID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to abort build %d: %v", req.BuildID, err)
	}
	if n == 0 {
		return &executorpb.CancelBuildResponse{Message: "no running processes for build"}, nil
	}
	return &executorpb.CancelBuildResponse{
		Success: true,
		Message: "build processes aborted",
		Aborted: int32(n),
	}, nil
}

// RunningProcesses reports the backend's in-flight process count.
func (srv *Server) RunningProcesses(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	return wrapperspb.Int32(int32(srv.backend.RunningProcessCount(ctx))), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, sandbox.ErrDisallowedTool):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, sandbox.ErrForbiddenOperator):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, sandbox.ErrInvalidEnv):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Errorf(codes.Internal, "failed to execute command: %v", err)
}
