package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"knull.dev/knull/internal/api"
	"knull.dev/knull/internal/orchestrator"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/secrets"
)

// Server bundles the API, the build coordinator and their collaborators.
type Server struct {
	HTTP        *http.Server
	Metrics     *http.Server
	Coordinator *orchestrator.Coordinator

	monitor *orchestrator.Monitor

	// closers release collaborators in reverse order of creation.
	closers []func(context.Context) error
}

// NewServer initializes every collaborator from the config options.
// On error, anything already opened is released.
func NewServer(ctx context.Context, options ...func(*Config)) (srv *Server, err error) {
	// Initialize Config
	cfg := &Config{}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.srv == nil {
		ConfigureHTTPServerFromEnv()(cfg)
	}

	srv = &Server{HTTP: cfg.srv}
	defer func() {
		if err != nil {
			if closeErr := srv.close(ctx); closeErr != nil {
				slog.ErrorContext(ctx, "failed to release server resources", "error", closeErr)
			}
			srv = nil
		}
	}()

	// Persistence
	st, err := cfg.Connect(ctx)
	if err != nil {
		return srv, err
	}
	srv.closers = append(srv.closers, func(context.Context) error { return st.Close() })

	// Credentials
	cipher, err := cfg.NewCipher()
	if err != nil {
		return srv, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}
	credentials, err := secrets.NewCachingResolver(st, EnvCredentialCacheSize.Int())
	if err != nil {
		return srv, fmt.Errorf("failed to create credential cache: %w", err)
	}

	// Executor
	ws, err := cfg.NewWorkspace()
	if err != nil {
		return srv, err
	}
	tools := cfg.NewAllowList()
	exec, closeExec, err := cfg.NewExecutor(ws, tools)
	if err != nil {
		return srv, fmt.Errorf("failed to create executor: %w", err)
	}
	srv.closers = append(srv.closers, closeExec)

	// Build Events
	publisher, err := cfg.NewEventPublisher(ctx)
	if err != nil {
		return srv, err
	}
	srv.closers = append(srv.closers, publisher.Shutdown)

	// Coordinator
	srv.Coordinator = orchestrator.New(orchestrator.Config{
		Pipeline: pipeline.New(pipeline.Config{
			Executor:    exec,
			Store:       st,
			Credentials: credentials,
			Decrypter:   cipher,
			Workspace:   ws,
			Tools:       tools,
		}),
		Executor:      exec,
		Store:         st,
		Credentials:   credentials,
		Decrypter:     cipher,
		Status:        cfg.NewStatusReporter(ctx),
		Events:        publisher,
		PublicURL:     EnvPublicURL.String(),
		StatusContext: EnvStatusContext.String(),
	})
	srv.monitor, err = orchestrator.NewMonitor(srv.Coordinator, ws, cfg.MonitorConfig())
	if err != nil {
		return srv, err
	}

	// Setup HTTP Handlers
	srv.HTTP.Handler = api.NewHandler(api.NewRoutes(srv.Coordinator, st))
	if cfg.IsMetricsEnabled() {
		router := http.NewServeMux()
		router.Handle("/metrics", promhttp.Handler())
		srv.Metrics = &http.Server{
			Addr:              EnvHTTPMetricsListenAddr.String(),
			Handler:           router,
			ReadHeaderTimeout: srv.HTTP.ReadHeaderTimeout,
		}
	}

	slog.InfoContext(ctx, "knull initialized",
		"executor_backend", EnvExecutorBackend.String(),
		"workspace_base", ws.Base,
		"allowed_tools", tools.String(),
	)
	return srv, nil
}

// Run serves HTTP traffic and runs the background monitor until ctx is cancelled
// or a listener fails, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	srv.monitor.Start()
	srv.monitor.ProbeExecutor(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "http server started", "http_addr", srv.HTTP.Addr)
		return listen(srv.HTTP)
	})
	if srv.Metrics != nil {
		g.Go(func() error {
			slog.WarnContext(ctx, "metrics http endpoint enabled", "metrics_addr", srv.Metrics.Addr)
			return listen(srv.Metrics)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), EnvShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting requests, waits for running builds until ctx is done
// (cancelling the rest) and releases every collaborator.
func (srv *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "shutting down")
	var result error

	if err := srv.HTTP.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop http server: %w", err))
	}
	if srv.Metrics != nil {
		if err := srv.Metrics.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	if err := srv.monitor.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop monitor: %w", err))
	}
	if err := srv.Coordinator.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("builds did not finish: %w", err))
	}
	if err := srv.close(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (srv *Server) close(ctx context.Context) error {
	var result error
	for i := len(srv.closers) - 1; i >= 0; i-- {
		if err := srv.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	srv.closers = nil
	return result
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stopped http server %s: %w", srv.Addr, err)
	}
	return nil
}
