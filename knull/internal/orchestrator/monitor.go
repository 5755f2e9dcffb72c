package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"knull.dev/knull/internal/executor"
	"knull.dev/knull/internal/pipeline"
)

const (
	// DefaultHealthSchedule probes the executor every 30 seconds.
	DefaultHealthSchedule = "@every 30s"

	// DefaultJanitorSchedule sweeps stale workspaces hourly.
	DefaultJanitorSchedule = "@hourly"

	// DefaultWorkspaceMaxAge is the age after which an unowned workspace is removed.
	DefaultWorkspaceMaxAge = 24 * time.Hour
)

// MonitorConfig schedules the background jobs of a Monitor.
type MonitorConfig struct {
	HealthSchedule  string
	JanitorSchedule string
	WorkspaceMaxAge time.Duration
}

// Monitor periodically probes executor health and removes stale workspaces.
type Monitor struct {
	coordinator *Coordinator
	workspace   *pipeline.Workspace
	maxAge      time.Duration
	cron        *cron.Cron

	mu      sync.Mutex
	healthy *bool
}

// NewMonitor schedules the monitor jobs. Empty schedules use the defaults.
func NewMonitor(c *Coordinator, ws *pipeline.Workspace, cfg MonitorConfig) (*Monitor, error) {
	m := &Monitor{
		coordinator: c,
		workspace:   ws,
		maxAge:      cfg.WorkspaceMaxAge,
		cron:        cron.New(),
	}
	if m.maxAge <= 0 {
		m.maxAge = DefaultWorkspaceMaxAge
	}

	healthSchedule := cfg.HealthSchedule
	if healthSchedule == "" {
		healthSchedule = DefaultHealthSchedule
	}
	if _, err := m.cron.AddFunc(healthSchedule, func() { m.ProbeExecutor(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid executor health schedule %q: %w", healthSchedule, err)
	}

	janitorSchedule := cfg.JanitorSchedule
	if janitorSchedule == "" {
		janitorSchedule = DefaultJanitorSchedule
	}
	if _, err := m.cron.AddFunc(janitorSchedule, func() { m.SweepWorkspaces(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid workspace janitor schedule %q: %w", janitorSchedule, err)
	}
	return m, nil
}

// Start runs the scheduled jobs in the background.
func (m *Monitor) Start() {
	m.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (m *Monitor) Stop(ctx context.Context) error {
	select {
	case <-m.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProbeExecutor records the executor's health and process count, logging health transitions.
func (m *Monitor) ProbeExecutor(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, executor.ProbeTimeout)
	defer cancel()

	healthy := m.coordinator.IsHealthy(ctx)
	processes := -1
	if healthy {
		processes = m.coordinator.RunningProcessCount(ctx)
	}

	if healthy {
		metricExecutorHealthy.Set(1)
	} else {
		metricExecutorHealthy.Set(0)
	}
	metricExecutorProcesses.Set(float64(processes))

	m.mu.Lock()
	changed := m.healthy == nil || *m.healthy != healthy
	m.healthy = &healthy
	m.mu.Unlock()

	switch {
	case changed && healthy:
		slog.InfoContext(ctx, "executor is healthy", "running_processes", processes)
	case changed:
		slog.WarnContext(ctx, "executor is unhealthy")
	default:
		slog.DebugContext(ctx, "executor health probed", "healthy", healthy, "running_processes", processes)
	}
	return healthy
}

// SweepWorkspaces removes stale workspaces not owned by a running build.
func (m *Monitor) SweepWorkspaces(ctx context.Context) int {
	removed, err := m.workspace.Sweep(m.maxAge, m.coordinator.IsRunning)
	metricWorkspacesRemoved.Add(float64(removed))
	if err != nil {
		slog.WarnContext(ctx, "failed to remove some stale workspaces", "removed", removed, "error", err)
	}
	return removed
}
