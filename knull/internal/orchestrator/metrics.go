package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	metricBuildsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knull_builds_started_total",
			Help: "The total number of builds started.",
		},
	)

	metricBuildsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knull_builds_finished_total",
			Help: "The total number of builds that reached a terminal status.",
		},
		[]string{"status"},
	)

	metricBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knull_build_duration_seconds",
			Help:    "Wall clock duration of finished builds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	metricBuildsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knull_builds_running",
			Help: "The number of builds whose pipeline is currently running.",
		},
	)

	metricCommitStatusErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knull_commit_status_errors_total",
			Help: "The total number of failed commit status updates.",
		},
	)

	metricEventErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knull_build_event_errors_total",
			Help: "The total number of build events that could not be published.",
		},
	)

	metricExecutorHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knull_executor_healthy",
			Help: "1 if the last executor health probe succeeded, 0 otherwise.",
		},
	)

	metricExecutorProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knull_executor_running_processes",
			Help: "Processes reported running by the executor, -1 if unknown.",
		},
	)

	metricWorkspacesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knull_workspaces_removed_total",
			Help: "The total number of stale workspaces removed by the janitor.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		metricBuildsStarted,
		metricBuildsFinished,
		metricBuildDuration,
		metricBuildsRunning,
		metricCommitStatusErrors,
		metricEventErrors,
		metricExecutorHealthy,
		metricExecutorProcesses,
		metricWorkspacesRemoved,
	)
}
