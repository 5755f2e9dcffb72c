// Package executortest runs an executor service over an in-memory connection for tests.
package executortest

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"knull.dev/knull/internal/executor"
	"knull.dev/knull/internal/sandbox"
)

// New serves backend over bufconn and returns a connected client and a cleanup function.
func New(t *testing.T, backend sandbox.Executor) (*executor.Client, func()) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024 * 10)
	baseSrv, healthSrv := executor.NewGRPCServer(backend, executor.ServerConfig{})

	grpcErrCh := make(chan error, 1)
	go func() {
		grpcErrCh <- baseSrv.Serve(lis)
	}()

	client, err := executor.Dial(executor.ClientConfig{
		Addr: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)

	return client, func() {
		assert.NoError(t, client.Close(context.Background()))
		healthSrv.Shutdown()
		baseSrv.Stop()
		assert.NoError(t, lis.Close())
		if err := <-grpcErrCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Fatalf("failed to serve grpc: %v", err)
		}
	}
}
