package fraud

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_gate_decisions_total",
		Help: "Admission decisions made by the fraud gate.",
	}, []string{"decision"})

	ruleTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_gate_rule_triggers_total",
		Help: "Number of times each fraud rule rejected a request.",
	}, []string{"rule"})

	counterErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraud_gate_counter_errors_total",
		Help: "Counter store failures; the affected rule fails open.",
	})
)
