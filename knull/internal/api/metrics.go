package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// API requests, partitioned by route pattern and status class (2xx, 4xx, 5xx).
var (
	metricAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knull",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests served, by route and status class.",
		},
		[]string{"route", "class"},
	)
	metricAPILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knull",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving API requests.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(metricAPIRequests, metricAPILatency)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
