package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds. Chat streams are measured until the terminal event.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "route", "status"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by route and status class",
		},
		[]string{"method", "route", "status", "class"},
	)

	httpInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served, open chat streams included",
		},
		[]string{"route"},
	)
)

func registerHTTP() {
	prometheus.MustRegister(httpRequestDuration, httpRequestsTotal, httpInFlight)
}

// Middleware records request duration, count by status class and in-flight requests.
// Routes are labeled by chi pattern so path parameters never reach label values.
func Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rawRoute := r.URL.Path

			inFlight := httpInFlight.WithLabelValues(routeLabel(r, rawRoute))
			inFlight.Inc()

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				inFlight.Dec()
				route := routeLabel(r, "")
				status := strconv.Itoa(ww.status)
				httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
				httpRequestsTotal.WithLabelValues(r.Method, route, status, statusClass(ww.status)).Inc()
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// routeLabel returns the matched chi pattern. Before routing the pattern is empty; fallback
// is used then only if it is a known static path, otherwise "unmatched".
func routeLabel(r *http.Request, fallback string) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if _, ok := knownRoutes[fallback]; ok {
		return fallback
	}
	return "unmatched"
}

var knownRoutes = map[string]struct{}{
	"/health":                  {},
	"/status":                  {},
	"/metrics":                 {},
	"/v1/usage":                {},
	"/v1/chat/stream":          {},
	"/v1/embeddings":           {},
	"/v1/audio/transcriptions": {},
	"/v1/audio/speech":         {},
}

// statusClass groups statuses the way admission outcomes are read: rejections (429, 402)
// apart from other client errors.
func statusClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return "rejected"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b) //nolint:wrapcheck // delegating to underlying ResponseWriter
}

// Unwrap lets http.ResponseController reach the underlying writer (flush, deadlines).
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
