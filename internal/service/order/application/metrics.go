package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Committed order state transitions.",
	}, []string{"event", "to"})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_version_conflicts_total",
		Help: "Optimistic concurrency conflicts when committing an order.",
	})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_processing_duration_seconds",
		Help:    "Time spent in PROCESSING before leaving it.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_refunds_total",
		Help: "Refund attempts by result.",
	}, []string{"result"})

	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_alerts_total",
		Help: "Operational alerts raised by order transitions.",
	}, []string{"event"})

	orchestrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_orchestrations_total",
		Help: "Orchestrator runs by result.",
	}, []string{"result"})

	recoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_recovery_actions_total",
		Help: "Actions taken by the recovery sweep.",
	}, []string{"action"})
)
