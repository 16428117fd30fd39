package metrics

import "github.com/prometheus/client_golang/prometheus"

// Circuit breaker Prometheus metrics.
var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Breaker phase per provider key (0 closed, 1 half_open, 2 open)",
		},
		[]string{"provider_key"},
	)

	BreakerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_requests_total",
			Help:      "Calls through the breaker by outcome",
		},
		[]string{"provider_key", "outcome"}, // success / failure / rejected / canceled
	)

	BreakerFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_fallbacks_total",
			Help:      "Calls answered by a fallback",
		},
		[]string{"provider_key"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Breaker phase transitions",
		},
		[]string{"provider_key", "to"},
	)

	BreakerAvgResponseMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_avg_response_ms",
			Help:      "Moving average of wrapped call response time in milliseconds",
		},
		[]string{"provider_key"},
	)
)

func registerBreaker() {
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerRequestsTotal)
	prometheus.MustRegister(BreakerFallbacksTotal)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(BreakerAvgResponseMs)
}
