package metrics

import "github.com/prometheus/client_golang/prometheus"

// Coordination store health Prometheus metrics.
var (
	CoordinationStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordination_status",
			Help:      "Coordination store status (0 green, 1 yellow, 2 red)",
		},
	)

	CoordinationPingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coordination_ping_duration_seconds",
			Help:      "Coordination store ping round trip",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	CoordinationMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordination_mode",
			Help:      "Effective limiter mode (0 normal, 1 strict)",
		},
	)

	CoordinationModeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordination_mode_transitions_total",
			Help:      "Limiter mode transitions",
		},
		[]string{"to"},
	)

	CoordinationDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordination_degraded",
			Help:      "1 while shared state is served from process-local memory",
		},
	)

	CoordinationFallbackOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordination_fallback_ops_total",
			Help:      "Store operations answered by the local fallback after a primary error",
		},
		[]string{"op"},
	)
)

func registerCoordination() {
	prometheus.MustRegister(CoordinationStatus)
	prometheus.MustRegister(CoordinationPingDuration)
	prometheus.MustRegister(CoordinationMode)
	prometheus.MustRegister(CoordinationModeTransitionsTotal)
	prometheus.MustRegister(CoordinationDegraded)
	prometheus.MustRegister(CoordinationFallbackOpsTotal)
}
