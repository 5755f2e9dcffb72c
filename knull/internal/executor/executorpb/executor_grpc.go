package executorpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName identifies the executor service, including for health checks.
const ServiceName = "knull.executor.v1.Executor"

const (
	Executor_Execute_FullMethodName          = "/" + ServiceName + "/Execute"
	Executor_CancelBuild_FullMethodName      = "/" + ServiceName + "/CancelBuild"
	Executor_RunningProcesses_FullMethodName = "/" + ServiceName + "/RunningProcesses"
)

// ExecutorClient is the client API for the Executor service.
type ExecutorClient interface {
	Execute(ctx context.Context, in *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error)
	CancelBuild(ctx context.Context, in *CancelBuildRequest, opts ...grpc.CallOption) (*CancelBuildResponse, error)
	RunningProcesses(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error)
}

type executorClient struct {
	cc grpc.ClientConnInterface
}

// NewExecutorClient wraps a connection to an executor.
func NewExecutorClient(cc grpc.ClientConnInterface) ExecutorClient {
	return &executorClient{cc}
}

func (c *executorClient) Execute(ctx context.Context, in *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error) {
	out := new(ExecuteResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, Executor_Execute_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) CancelBuild(ctx context.Context, in *CancelBuildRequest, opts ...grpc.CallOption) (*CancelBuildResponse, error) {
	out := new(CancelBuildResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, Executor_CancelBuild_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) RunningProcesses(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error) {
	out := new(wrapperspb.Int32Value)
	if err := c.cc.Invoke(ctx, Executor_RunningProcesses_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecutorServer is the server API for the Executor service.
type ExecutorServer interface {
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	CancelBuild(context.Context, *CancelBuildRequest) (*CancelBuildResponse, error)
	RunningProcesses(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
}

// RegisterExecutorServer registers srv with the gRPC service registrar.
func RegisterExecutorServer(s grpc.ServiceRegistrar, srv ExecutorServer) {
	s.RegisterService(&Executor_ServiceDesc, srv)
}

func _Executor_Execute_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Executor_Execute_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).Execute(ctx, req.(*ExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Executor_CancelBuild_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelBuildRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).CancelBuild(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Executor_CancelBuild_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).CancelBuild(ctx, req.(*CancelBuildRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Executor_RunningProcesses_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).RunningProcesses(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Executor_RunningProcesses_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).RunningProcesses(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Executor_ServiceDesc describes the Executor service for grpc.Server registration.
var Executor_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: _Executor_Execute_Handler},
		{MethodName: "CancelBuild", Handler: _Executor_CancelBuild_Handler},
		{MethodName: "RunningProcesses", Handler: _Executor_RunningProcesses_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "knull/internal/executor/executorpb/executor.go",
}
