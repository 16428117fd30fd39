package metrics

import "github.com/prometheus/client_golang/prometheus"

// Admission Prometheus metrics.
var (
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by service and result (allowed or rejection reason)",
		},
		[]string{"service", "result"},
	)

	AdmissionFailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_fail_open_total",
			Help:      "Checks skipped because the usage ledger could not be read",
		},
		[]string{"check"}, // "quota" / "cost"
	)

	CostCeilingRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cost_ceiling_remaining_minor",
			Help:      "Remaining global spend before the ceiling, in minor units",
		},
		[]string{"period"},
	)
)

func registerAdmission() {
	prometheus.MustRegister(AdmissionDecisionsTotal)
	prometheus.MustRegister(AdmissionFailOpenTotal)
	prometheus.MustRegister(CostCeilingRemaining)
}
