package executor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	metricRPCs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knull",
			Subsystem: "executor",
			Name:      "rpcs_total",
			Help:      "Executor RPCs handled, by method and grpc status code.",
		},
		[]string{"method", "code"},
	)

	// Command runs can take up to the sandbox timeout, so buckets reach 15m.
	metricRPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knull",
			Subsystem: "executor",
			Name:      "rpc_duration_seconds",
			Help:      "Time spent handling executor RPCs.",
			Buckets:   []float64{.005, .05, .5, 1, 5, 30, 60, 300, 900},
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(metricRPCs, metricRPCLatency)
}

func grpcWithUnaryMetrics(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	metricRPCs.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
	metricRPCLatency.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
	return resp, err
}
