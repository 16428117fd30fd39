package chi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/admission"
	domusage "github.com/kailas-cloud/callguard/internal/domain/usage"
	admissionuc "github.com/kailas-cloud/callguard/internal/usecase/admission"
	"github.com/kailas-cloud/callguard/internal/usecase/breaker"
	healthuc "github.com/kailas-cloud/callguard/internal/usecase/health"
	"github.com/kailas-cloud/callguard/internal/usecase/streaming"
)

// ErrorCode is the machine-readable error kind returned to clients.
type ErrorCode string

// Error codes.
const (
	CodeBadRequest        ErrorCode = "bad_request"
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeNotFound          ErrorCode = "not_found"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeQuotaExceeded     ErrorCode = "quota_exceeded"
	CodeCostLimitExceeded ErrorCode = "cost_limit_exceeded"
	CodeSafetyViolation   ErrorCode = "safety_violation"
	CodeCircuitOpen       ErrorCode = "circuit_open"
	CodeProviderTimeout   ErrorCode = "provider_timeout"
	CodeProviderError     ErrorCode = "provider_error"
	CodeCanceled          ErrorCode = "canceled"
	CodeInternalError     ErrorCode = "internal_error"
)

// statusClientClosedRequest is the de facto status for a caller that went away.
const statusClientClosedRequest = 499

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Deps are the collaborators of Server.
type Deps struct {
	Admission    Admitter
	Breakers     *breaker.Registry
	Streams      *streaming.Manager
	Usage        UsageReporter
	Health       HealthChecker
	Coordination CoordinationReporter

	// Provider names the upstream in breaker keys, e.g. "openai".
	Provider    string
	Chat        domain.ChatStreamer
	Embedder    domain.Embedder
	Transcriber domain.Transcriber
	Synthesizer domain.Synthesizer
}

// Server serves the guarded provider API.
type Server struct {
	Deps
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{Deps: deps, logger: logger}
	s.errorHandlers = []errorHandler{
		rejectionHandler,
		moderationHandler,
		sentinelHandler(domain.ErrInvalidInput, http.StatusBadRequest, CodeBadRequest),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, CodeNotFound),
		sentinelHandler(domain.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited),
		sentinelHandler(domain.ErrQuotaExceeded, http.StatusPaymentRequired, CodeQuotaExceeded),
		sentinelHandler(domain.ErrCostLimitExceeded, http.StatusPaymentRequired, CodeCostLimitExceeded),
		sentinelHandler(domain.ErrSafetyViolation, http.StatusUnprocessableEntity, CodeSafetyViolation),
		sentinelHandler(domain.ErrCircuitOpen, http.StatusServiceUnavailable, CodeCircuitOpen),
		sentinelHandler(domain.ErrProviderTimeout, http.StatusGatewayTimeout, CodeProviderTimeout),
		sentinelHandler(domain.ErrCallerCanceled, statusClientClosedRequest, CodeCanceled),
		sentinelHandler(domain.ErrProviderError, http.StatusBadGateway, CodeProviderError),
	}
	return s
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Get("/status", s.Status)
	r.Get("/metrics", s.Metrics)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/usage", s.GetUsage)
		r.Post("/chat/stream", s.ChatStream)
		r.Post("/embeddings", s.Embed)
		r.Post("/audio/transcriptions", s.Transcribe)
		r.Post("/audio/speech", s.Speech)
	})
}

type usageResponse struct {
	Period        domusage.Period `json:"period"`
	Scope         string          `json:"scope"`
	UserID        string          `json:"user_id,omitempty"`
	PeriodStartAt time.Time       `json:"period_start_at"`
	PeriodEndAt   time.Time       `json:"period_end_at"`
	Usage         usageMetrics    `json:"usage"`
	Budget        budgetStatus    `json:"budget"`
}

type usageMetrics struct {
	Requests  int64 `json:"requests"`
	Units     int64 `json:"units"`
	CostMinor int64 `json:"cost_minor"`
}

type budgetStatus struct {
	LimitMinor     int64      `json:"limit_minor"`
	RemainingMinor int64      `json:"remaining_minor"`
	IsExhausted    bool       `json:"is_exhausted"`
	ResetsAt       *time.Time `json:"resets_at,omitempty"`
}

// GetUsage handles GET /v1/usage.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	period := domusage.PeriodDay
	if p := r.URL.Query().Get("period"); p != "" {
		period = domusage.Period(p)
	}

	var subject domain.Identity
	scope := r.URL.Query().Get("scope")
	switch scope {
	case "", "user":
		scope = "user"
		subject = IdentityFromContext(r.Context())
		if subject == domain.Anonymous {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "user scope requires an api key")
			return
		}
	case "global":
	default:
		writeError(w, http.StatusBadRequest, CodeBadRequest, "scope must be user or global")
		return
	}

	report, err := s.Usage.GetReport(r.Context(), subject, period)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	b := report.Budget()
	resp := usageResponse{
		Period:        report.Period(),
		Scope:         scope,
		UserID:        report.UserID(),
		PeriodStartAt: time.UnixMilli(report.PeriodStart()).UTC(),
		PeriodEndAt:   time.UnixMilli(report.PeriodEnd()).UTC(),
		Usage: usageMetrics{
			Requests:  report.Metrics().Requests(),
			Units:     report.Metrics().Units(),
			CostMinor: report.Metrics().CostMinor(),
		},
		Budget: budgetStatus{
			LimitMinor:     b.LimitMinor(),
			RemainingMinor: b.RemainingMinor(),
			IsExhausted:    b.IsExhausted(),
		},
	}
	if b.LimitMinor() > 0 && b.ResetsAt() > 0 {
		resetsAt := time.UnixMilli(b.ResetsAt()).UTC()
		resp.Budget.ResetsAt = &resetsAt
	}

	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status healthuc.Status                 `json:"status"`
	Checks map[string]healthuc.CheckResult `json:"checks"`
}

// HealthCheck handles GET /health. A degraded instance still serves traffic.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.Health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, healthResponse{Status: report.Status, Checks: report.Checks})
}

type statusResponse struct {
	Coordination coordinationStatus `json:"coordination"`
	Mode         string             `json:"mode"`
	Limits       limitsStatus       `json:"limits"`
	Breakers     []breakerStatus    `json:"breakers"`
}

type coordinationStatus struct {
	Status              string     `json:"status"`
	LastPingMs          float64    `json:"last_ping_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	CheckedAt           *time.Time `json:"checked_at,omitempty"`
}

type limitStatus struct {
	Points          int64 `json:"points"`
	DurationMs      int64 `json:"duration_ms"`
	BlockDurationMs int64 `json:"block_duration_ms"`
}

type limitsStatus struct {
	Global   limitStatus            `json:"global"`
	Services map[string]limitStatus `json:"services"`
}

type breakerStatus struct {
	ProviderKey   string     `json:"provider_key"`
	Phase         string     `json:"phase"`
	FailureCount  int64      `json:"failure_count"`
	SuccessCount  int64      `json:"success_count"`
	TotalRequests int64      `json:"total_requests"`
	TotalFailures int64      `json:"total_failures"`
	AvgResponseMs int64      `json:"avg_response_ms"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

func toLimitStatus(c admissionuc.LimitConfig) limitStatus {
	return limitStatus{
		Points:          c.Points,
		DurationMs:      c.Duration.Milliseconds(),
		BlockDurationMs: c.BlockDuration.Milliseconds(),
	}
}

// Status handles GET /status: coordination health, limiter mode, breaker states.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	mode, global, services := s.Admission.Effective()

	resp := statusResponse{
		Mode: string(mode),
		Limits: limitsStatus{
			Global:   toLimitStatus(global),
			Services: make(map[string]limitStatus, len(services)),
		},
		Breakers: []breakerStatus{},
	}
	for svc, c := range services {
		resp.Limits.Services[string(svc)] = toLimitStatus(c)
	}

	if s.Coordination != nil {
		h := s.Coordination.Current()
		resp.Coordination = coordinationStatus{
			Status:              string(h.Status),
			LastPingMs:          float64(h.LastPing.Microseconds()) / 1000,
			ConsecutiveFailures: h.ConsecutiveFailures,
			Degraded:            h.Degraded,
		}
		if !h.CheckedAt.IsZero() {
			at := h.CheckedAt.UTC()
			resp.Coordination.CheckedAt = &at
		}
	}

	for _, st := range s.Breakers.Snapshots(r.Context()) {
		bs := breakerStatus{
			ProviderKey:   st.ProviderKey,
			Phase:         string(st.Phase),
			FailureCount:  st.FailureCount,
			SuccessCount:  st.SuccessCount,
			TotalRequests: st.TotalRequests,
			TotalFailures: st.TotalFailures,
			AvgResponseMs: st.AvgResponseTime.Milliseconds(),
		}
		if !st.NextRetryAt.IsZero() {
			at := st.NextRetryAt.UTC()
			bs.NextRetryAt = &at
		}
		resp.Breakers = append(resp.Breakers, bs)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// setRetryAfter writes the Retry-After header in whole seconds, at least 1.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := max(int64(math.Ceil(d.Seconds())), 1)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrInvalidInput,
		domain.ErrNotFound,
		domain.ErrRateLimited,
		domain.ErrQuotaExceeded,
		domain.ErrCostLimitExceeded,
		domain.ErrSafetyViolation,
		domain.ErrCircuitOpen,
		domain.ErrProviderTimeout,
		domain.ErrCallerCanceled,
		domain.ErrProviderError,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// rejectionHandler handles admission rejections with Retry-After and the exhausted limit.
func rejectionHandler(w http.ResponseWriter, err error, msg string) bool {
	var rej *admission.Rejection
	if !errors.As(err, &rej) {
		return false
	}

	status, code := http.StatusTooManyRequests, CodeRateLimited
	switch rej.Reason {
	case admission.QuotaExceeded:
		status, code = http.StatusPaymentRequired, CodeQuotaExceeded
	case admission.CostLimitExceeded, admission.GlobalCostLimitExceeded:
		status, code = http.StatusPaymentRequired, CodeCostLimitExceeded
	case admission.GlobalRateLimit, admission.ServiceRateLimit:
	}

	setRetryAfter(w, rej.RetryAfter)
	writeJSON(w, status, map[string]any{
		"code":           code,
		"message":        msg,
		"reason":         rej.Reason,
		"service":        rej.Service,
		"detail":         rej.Detail,
		"limit":          rej.Limit,
		"current":        rej.Current,
		"retry_after_ms": rej.RetryAfter.Milliseconds(),
	})
	return true
}

// moderationHandler handles rejected input with the classifier verdict.
func moderationHandler(w http.ResponseWriter, err error, msg string) bool {
	var me *streaming.ModerationError
	if !errors.As(err, &me) {
		return false
	}
	body := map[string]any{
		"code":       CodeSafetyViolation,
		"message":    msg,
		"risk_level": me.Assessment.RiskLevel,
		"concerns":   me.Assessment.Concerns,
	}
	if me.Assessment.SuggestedResponse != "" {
		body["suggested_response"] = me.Assessment.SuggestedResponse
	}
	writeJSON(w, http.StatusUnprocessableEntity, body)
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}

// handleCallFailure reports a failed breaker call, with Retry-After while the circuit is open.
func (s *Server) handleCallFailure(w http.ResponseWriter, res breaker.Result) {
	setRetryAfter(w, res.RetryAfter)
	s.handleDomainError(w, res.Err)
}
