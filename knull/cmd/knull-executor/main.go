// Command knull-executor serves the remote executor protocol, running allow-listed
// build commands on behalf of the knull orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"knull.dev/knull/internal/env"
	"knull.dev/knull/internal/executor"
	"knull.dev/knull/internal/logging"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/sandbox"
)

// Version of the executor being run
const Version = "v0.1.0"

var (
	// EnvListenAddr sets the address (ip:port) for the gRPC server to bind to.
	// EnvTLSCertFile and EnvTLSKeyFile enable TLS when both are set.
	// EnvMaxMessageSize bounds messages exchanged with the orchestrator.
	EnvListenAddr     = env.String{Key: "EXECUTOR_LISTEN_ADDR", Default: "0.0.0.0:8081"}
	EnvTLSCertFile    = env.String{Key: "EXECUTOR_TLS_CERT_FILE"}
	EnvTLSKeyFile     = env.String{Key: "EXECUTOR_TLS_KEY_FILE"}
	EnvMaxMessageSize = env.Integer{Key: "EXECUTOR_GRPC_MAX_INBOUND_MESSAGE_SIZE", Default: executor.DefaultMaxMessageSize}

	// EnvBackend selects where commands run: local or docker.
	// EnvCommandTimeout bounds a single command when the request does not set one.
	// EnvAllowedTools lists the executables requests may invoke.
	// EnvDockerImage is the image commands run in with the docker backend.
	// EnvWorkspaceBasePath is the host directory shared with docker containers.
	EnvBackend           = env.String{Key: "KNULL_EXECUTOR_BACKEND", Default: "local"}
	EnvCommandTimeout    = env.Duration{Key: "KNULL_COMMAND_TIMEOUT", Default: sandbox.DefaultTimeout}
	EnvAllowedTools      = env.List{Key: "KNULL_ALLOWED_TOOLS", Default: sandbox.DefaultTools}
	EnvDockerImage       = env.String{Key: "KNULL_DOCKER_IMAGE", Default: "node:20-bookworm"}
	EnvWorkspaceBasePath = env.String{Key: "KNULL_WORKSPACE_BASE_PATH", Default: pipeline.DefaultWorkspaceBase}

	// EnvEnableMetrics enables the /metrics endpoint on EnvMetricsListenAddr.
	// EnvStopTimeout bounds how long in-flight commands may take to finish on shutdown.
	EnvEnableMetrics     = env.Bool{Key: "ENABLE_METRICS"}
	EnvMetricsListenAddr = env.String{Key: "HTTP_METRICS_LISTEN_ADDR", Default: "127.0.0.1:9091"}
	EnvStopTimeout       = env.Duration{Key: "EXECUTOR_STOP_TIMEOUT", Default: 30 * time.Second}
)

func main() {
	app := cli.NewApp()
	app.Name = "knull-executor"
	app.Usage = "Run sandboxed build commands for knull"
	app.Version = Version
	app.Before = func(*cli.Context) error {
		logging.Configure(fmt.Sprintf("knull-executor-%s", uuid.NewString()[:8]))
		return nil
	}
	app.Action = cli.ActionFunc(func(*cli.Context) error {
		return run(context.Background())
	})
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend()
	if err != nil {
		return err
	}
	creds, err := newCredentials()
	if err != nil {
		return err
	}
	srv, healthSrv := executor.NewGRPCServer(backend, executor.ServerConfig{
		MaxRecvMsgSize: EnvMaxMessageSize.Int(),
		Creds:          creds,
	})

	addr := EnvListenAddr.String()
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "executor started",
			"addr", lis.Addr().String(),
			"backend", EnvBackend.String(),
			"tls", creds != nil,
		)
		if err := srv.Serve(lis); err != nil {
			return fmt.Errorf("stopped grpc server: %w", err)
		}
		return nil
	})

	var metrics *http.Server
	if EnvEnableMetrics.IsSet() {
		router := http.NewServeMux()
		router.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{
			Addr:              EnvMetricsListenAddr.String(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.WarnContext(ctx, "metrics http endpoint enabled", "metrics_addr", metrics.Addr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("stopped metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "stopping executor", "running_processes", backend.RunningProcessCount(ctx))
		healthSrv.Shutdown()
		if metrics != nil {
			metrics.Close()
		}
		gracefulStop(srv, EnvStopTimeout.Duration())
		return nil
	})
	return g.Wait()
}

func newBackend() (sandbox.Executor, error) {
	tools := sandbox.NewAllowList(EnvAllowedTools.Values()...)
	switch backend := strings.ToLower(EnvBackend.String()); backend {
	case "local":
		return sandbox.NewLocalRunner(
			sandbox.WithAllowList(tools),
			sandbox.WithTimeout(EnvCommandTimeout.Duration()),
		), nil
	case "docker":
		ws, err := pipeline.NewWorkspace(EnvWorkspaceBasePath.String())
		if err != nil {
			return nil, err
		}
		runner, err := sandbox.NewDockerRunnerFromEnv(sandbox.DockerConfig{
			Image:   EnvDockerImage.String(),
			Mount:   ws.Base,
			Tools:   tools,
			Timeout: EnvCommandTimeout.Duration(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := runner.Prune(context.Background()); err != nil {
			slog.Warn("failed to prune stale build containers", "error", err)
		}
		return runner, nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q (%s=local|docker)", backend, EnvBackend.Key)
	}
}

func newCredentials() (credentials.TransportCredentials, error) {
	certFile, keyFile := EnvTLSCertFile.String(), EnvTLSKeyFile.String()
	if certFile == "" && keyFile == "" {
		slog.Warn("tls is not configured, serving plaintext")
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both %s and %s must be set to enable tls", EnvTLSCertFile.Key, EnvTLSKeyFile.Key)
	}
	creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load tls key pair: %w", err)
	}
	return creds, nil
}

// gracefulStop waits for in-flight commands, forcing the server closed after timeout.
func gracefulStop(srv *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		slog.Warn("executor did not stop in time, forcing close", "timeout", timeout)
		srv.Stop()
	}
}
