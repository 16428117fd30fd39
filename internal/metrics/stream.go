package metrics

import "github.com/prometheus/client_golang/prometheus"

// Safety-gated streaming Prometheus metrics.
var (
	StreamSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sessions_total",
			Help:      "Finished stream sessions by outcome",
		},
		[]string{"outcome"}, // done / filtered / aborted / error
	)

	StreamTimeToFirstToken = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_time_to_first_token_seconds",
			Help:      "Latency from stream start to first token",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	StreamSafetyCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_safety_check_duration_seconds",
			Help:      "Latency of a single classifier call",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	StreamHeldFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_held_flushes_total",
			Help:      "Flushes withheld from the client after an unsafe verdict",
		},
	)
)

func registerStream() {
	prometheus.MustRegister(StreamSessionsTotal)
	prometheus.MustRegister(StreamTimeToFirstToken)
	prometheus.MustRegister(StreamSafetyCheckDuration)
	prometheus.MustRegister(StreamHeldFlushesTotal)
}
