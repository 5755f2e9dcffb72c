// Package api serves the knull HTTP API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/orchestrator"
)

// OKStatusText is the body returned by the status handler.
const OKStatusText = "RUNNING"

// Coordinator is the build orchestration the API exposes.
type Coordinator interface {
	Trigger(ctx context.Context, req orchestrator.ManualTrigger) (*build.Build, error)
	CancelBuild(ctx context.Context, id int64) build.CancelResult
	IsHealthy(ctx context.Context) bool
	RunningProcessCount(ctx context.Context) int
	RunningBuilds() int
}

// BuildFinder loads builds by id.
type BuildFinder interface {
	FindBuild(ctx context.Context, id int64) (*build.Build, error)
}

// A RouteMap contains a mapping of route patterns to http handlers.
type RouteMap map[string]http.Handler

// Handle registers the handler for the given pattern.
func (routes RouteMap) Handle(pattern string, handler http.Handler) {
	routes[pattern] = handler
}

// NewRoutes returns the API routes.
func NewRoutes(c Coordinator, builds BuildFinder) RouteMap {
	h := &handlers{coordinator: c, builds: builds}
	routes := RouteMap{}
	routes.Handle("GET /status", http.HandlerFunc(statusHandler))
	routes.Handle("POST /api/builds", wrap(h.triggerBuild))
	routes.Handle("GET /api/builds/{id}", wrap(h.getBuild))
	routes.Handle("POST /api/builds/{id}/cancel", wrap(h.cancelBuild))
	routes.Handle("GET /api/executor/health", wrap(h.executorHealth))
	return routes
}

// NewHandler registers routes on a new ServeMux, instrumenting each with metrics and request logging.
func NewHandler(routes RouteMap) http.Handler {
	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.Handle(pattern, instrument(pattern, handler))
	}
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metricAPIRequests.WithLabelValues(pattern, statusClass(rec.code)).Inc()
		metricAPILatency.WithLabelValues(pattern).Observe(elapsed.Seconds())
		slog.DebugContext(r.Context(), "http request",
			"http_method", r.Method,
			"http_url", r.URL.String(),
			"remote_addr", r.RemoteAddr,
			"status_code", rec.code,
			"duration", elapsed,
		)
	})
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := w.Write([]byte(OKStatusText)); err != nil {
		slog.ErrorContext(r.Context(), "failed to write status response", "error", err)
	}
}
