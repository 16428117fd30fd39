package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddleware_RecordsDurationAndCount(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200", "2xx"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/health", http.NoBody))

	if rr.Code != 200 {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200", "2xx")); got != before+1 {
		t.Errorf("expected http_requests_total to grow by 1, got %f -> %f", before, got)
	}
	if testutil.CollectAndCount(httpRequestDuration) == 0 {
		t.Error("expected http_request_duration_seconds to have observations")
	}
}

func TestMetricsMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/v1/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, id := range []string{"alice", "bob"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/users/"+id, http.NoBody))
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/users/{id}", "204", "2xx")); got < 2 {
		t.Errorf("expected both users under one route label, got %f", got)
	}
}

func TestMetricsMiddleware_StatusClasses(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())

	statuses := map[string]int{
		"/limited": http.StatusTooManyRequests,
		"/budget":  http.StatusPaymentRequired,
		"/bad":     http.StatusBadRequest,
		"/error":   http.StatusBadGateway,
	}
	for path, status := range statuses {
		r.Get(path, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
	}

	tests := []struct {
		path   string
		status string
		class  string
	}{
		{"/limited", "429", "rejected"},
		{"/budget", "402", "rejected"},
		{"/bad", "400", "4xx"},
		{"/error", "502", "5xx"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tc.path, http.NoBody))

			val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", tc.path, tc.status, tc.class))
			if val < 1 {
				t.Errorf("expected requests_total for %s with class %s >= 1, got %f", tc.path, tc.class, val)
			}
		})
	}
}

func TestMetricsMiddleware_UnknownPathsShareOneLabel(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404", "4xx"))
	for _, p := range []string{"/wp-admin", "/.env", "/random/123"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", p, http.NoBody))
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404", "4xx")); got != before+3 {
		t.Errorf("expected 3 unmatched requests, got %f", got-before)
	}
}

func TestMetricsMiddleware_InFlightDuringStream(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())

	var during float64
	r.Post("/v1/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(httpInFlight.WithLabelValues("/v1/chat/stream"))
		_, _ = w.Write([]byte("data: x\n\n"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/chat/stream", http.NoBody))

	if during != 1 {
		t.Errorf("expected 1 in-flight stream while serving, got %f", during)
	}
	if after := testutil.ToFloat64(httpInFlight.WithLabelValues("/v1/chat/stream")); after != 0 {
		t.Errorf("expected no in-flight streams after completion, got %f", after)
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusOK, "2xx"},
		{http.StatusTooManyRequests, "rejected"},
		{http.StatusPaymentRequired, "rejected"},
		{http.StatusUnauthorized, "4xx"},
		{http.StatusServiceUnavailable, "5xx"},
	}
	for _, tc := range tests {
		if got := statusClass(tc.status); got != tc.want {
			t.Errorf("statusClass(%d) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestMetricsMiddleware_FlushReachesRecorder(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/stream", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: x\n\n"))
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("flush through middleware: %v", err)
		}
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/stream", http.NoBody))
	if !rr.Flushed {
		t.Error("expected recorder to be flushed")
	}
}
