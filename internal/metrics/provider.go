package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "callguard"

// Provider call Prometheus metrics.
var (
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of provider calls",
		},
		[]string{"provider", "service", "status"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "service"},
	)

	ProviderUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_units_total",
			Help:      "Resource units consumed (tokens, characters, seconds of audio)",
		},
		[]string{"service"},
	)

	ProviderCostMinorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_minor_total",
			Help:      "Recorded provider spend in minor currency units",
		},
		[]string{"service"},
	)

	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total provider errors",
		},
		[]string{"provider", "service", "error_type"},
	)
)

func registerProvider() {
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderUnitsTotal)
	prometheus.MustRegister(ProviderCostMinorTotal)
	prometheus.MustRegister(ProviderErrorsTotal)
}
