package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipelined",
		Name:      "runs_triggered_total",
		Help:      "Runs accepted by the orchestrator.",
	})

	runsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipelined",
		Name:      "runs_rejected_total",
		Help:      "Triggers rejected because a run was already active.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipelined",
		Name:      "stage_duration_seconds",
		Help:      "Wall time spent executing each stage.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 3, 4, 5, 10, 30, 60},
	}, []string{"stage"})
)
