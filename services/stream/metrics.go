package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipelined",
		Subsystem: "stream",
		Name:      "sessions",
		Help:      "Number of live stream sessions.",
	})

	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipelined",
		Subsystem: "stream",
		Name:      "delivery_failures_total",
		Help:      "Sessions dropped after a failed delivery.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelined",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Events broadcast, by kind.",
	}, []string{"kind"})
)
