package stateres

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolutionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomstate_resolutions_total",
		Help: "Number of state resolution runs, partitioned by outcome.",
	}, []string{"outcome"})
	rejectedEventCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomstate_rejected_events_total",
		Help: "Number of candidate events dropped by the iterative auth checks.",
	})
	resolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomstate_resolution_duration_seconds",
		Help:    "Time spent resolving one set of conflicting room states.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)
