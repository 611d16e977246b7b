package functions

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(metricExecutionsInFlight)
	prometheus.MustRegister(metricExecutions)
	prometheus.MustRegister(metricExecutionDuration)
	prometheus.MustRegister(metricBuilds)
	prometheus.MustRegister(metricBuildDuration)
	prometheus.MustRegister(metricActivations)
}

var metricExecutionsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "faas",
		Name:      "executions_in_flight",
		Help:      "Number of invocations currently holding a concurrency slot.",
	})

var metricExecutions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "faas",
		Name:      "executions_total",
		Help:      "Total of invocations by outcome.",
	}, []string{"outcome"})

var metricExecutionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "faas",
		Name:      "execution_duration_seconds",
		Help:      "Container run time of invocations.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

var metricBuilds = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "faas",
		Name:      "builds_total",
		Help:      "Total of image builds by outcome.",
	}, []string{"outcome"})

var metricBuildDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "faas",
		Name:      "build_duration_seconds",
		Help:      "Duration of build pipeline runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

var metricActivations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "faas",
		Name:      "activations_total",
		Help:      "Total of active deployment switches by kind.",
	}, []string{"kind"})
