package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kailas-cloud/callguard/internal/config"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
	logpkg "github.com/kailas-cloud/callguard/internal/logger"
	ledgerrepo "github.com/kailas-cloud/callguard/internal/repository/ledger"
	"github.com/kailas-cloud/callguard/internal/usecase/admission"
)

func TestAdmissionConfig_OverlaysDefaults(t *testing.T) {
	cfg := admissionConfig(config.AdmissionConfig{
		DefaultTier: "plus",
		Limits: map[string]config.LimitConfig{
			"global": {Points: 500},
			"llm":    {Points: 10, DurationSec: 30, BlockDurationSec: 90},
		},
		Tiers: map[string]config.TierConfig{
			"free": {DailyVoiceMinutes: 5, MonthlyTTSCharacters: -1, MonthlyLLMCalls: 50, MonthlyEmbeddingCalls: 100},
		},
		Ceilings: config.CeilingsConfig{UserDaily: 300, GlobalDaily: 50000},
		Pricing:  map[string]config.PriceConfig{"tts": {MinorPer1K: 3, Estimate: 2}},
	})
	def := admission.DefaultConfig()

	assert.Equal(t, usage.TierPlus, cfg.DefaultTier)
	assert.Equal(t, int64(500), cfg.Limits.Global.Points)
	assert.Equal(t, def.Limits.Global.Duration, cfg.Limits.Global.Duration, "zero duration keeps default")
	assert.Equal(t, admission.LimitConfig{Points: 10, Duration: 30 * time.Second, BlockDuration: 90 * time.Second}, cfg.Limits.LLM)
	assert.Equal(t, def.Limits.STT, cfg.Limits.STT)

	assert.Equal(t, int64(-1), cfg.Tiers[usage.TierFree].MonthlyTTSCharacters)
	assert.Equal(t, def.Tiers[usage.TierPro], cfg.Tiers[usage.TierPro])

	assert.Equal(t, int64(300), cfg.Ceilings.UserDaily)
	assert.Equal(t, int64(0), cfg.Ceilings.UserHourly)
	assert.Equal(t, admission.Price{MinorPer1K: 3, Estimate: 2}, cfg.Pricing.TTS)
	assert.Equal(t, def.Pricing.LLM, cfg.Pricing.LLM)

	require.NoError(t, cfg.Validate())
}

func TestBreakerConfigs_OverlaysDefaults(t *testing.T) {
	cfg := breakerConfigs(config.BreakerConfig{Services: map[string]config.BreakerServiceConfig{
		"llm": {FailureThreshold: 3, TimeoutMs: 20000},
		"stt": {JitterMs: 250},
	}})

	assert.Equal(t, int64(3), cfg.LLM.FailureThreshold)
	assert.Equal(t, 20*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, int64(2), cfg.LLM.SuccessThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.STT.Jitter)
	assert.Equal(t, 10*time.Second, cfg.STT.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestMonitorAndStreamingConfig(t *testing.T) {
	mc := monitorConfig(config.HealthConfig{PollIntervalMs: 1000, RedPolls: 4})
	assert.Equal(t, time.Second, mc.PollInterval)
	assert.Equal(t, 4, mc.RedPolls)
	assert.Equal(t, 100*time.Millisecond, mc.YellowThreshold)
	require.NoError(t, mc.Validate())

	sc := streamingConfig(config.StreamingConfig{FlushChars: 40, FallbackMessage: "stopped"})
	assert.Equal(t, 40, sc.FlushChars)
	assert.Equal(t, "stopped", sc.FallbackMessage)
	assert.Equal(t, 3, sc.MaxUnsafeChunks)
	require.NoError(t, sc.Validate())
}

func TestLedgerConfig(t *testing.T) {
	lc := ledgerConfig(config.LedgerConfig{Driver: "postgres", DSN: "host=db", ConnMaxLifetimeSec: 60, SlowThresholdMs: 200})
	assert.Equal(t, "postgres", lc.Driver)
	assert.Equal(t, time.Minute, lc.ConnMaxLifetime)
	assert.Equal(t, 200*time.Millisecond, lc.SlowThreshold)
}

func newLedger(t *testing.T) *ledgerrepo.Repo {
	t.Helper()
	on := true
	repo, closeLedger, err := openLedger(context.Background(), config.LedgerConfig{
		Driver:      "sqlite",
		DSN:         fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		AutoMigrate: &on,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(closeLedger)
	return repo
}

func TestSetTier(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tiers := admission.DefaultTiers()

	q, err := setTier(ctx, l, tiers, "alice", "pro", now)
	require.NoError(t, err)
	assert.Equal(t, usage.TierPro, q.Tier)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), q.PeriodStart)

	got, err := l.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, tiers[usage.TierPro], got.Limits)

	// Downgrade replaces the limits.
	_, err = setTier(ctx, l, tiers, "alice", "free", now)
	require.NoError(t, err)
	got, err = l.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, usage.TierFree, got.Tier)
	assert.Equal(t, tiers[usage.TierFree], got.Limits)
}

func TestSetTier_Invalid(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := setTier(ctx, l, admission.DefaultTiers(), "alice", "gold", time.Now())
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = setTier(ctx, l, admission.DefaultTiers(), " ", "free", time.Now())
	require.Error(t, err)

	_, err = l.GetQuota(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQuotaView(t *testing.T) {
	var buf bytes.Buffer
	q := usage.Quota{UserID: "bob", Tier: usage.TierPlus, Limits: usage.Limits{MonthlyLLMCalls: 20}}
	require.NoError(t, writeJSON(&buf, quotaView(q)))
	assert.Contains(t, buf.String(), `"tier": "plus"`)
	assert.Contains(t, buf.String(), `"monthly_llm_calls": 20`)
}

func TestJSONRecoverer(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := jsonRecoverer(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"code":"internal_error","message":"internal error"}`, rr.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestWideEventMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var inner *zap.Logger
	h := chiMiddleware.RequestID(wideEventMiddleware(zap.New(core))(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			inner = logpkg.FromContext(r.Context())
			w.WriteHeader(http.StatusTeapot)
		})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil))

	require.NotNil(t, inner)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/v1/embeddings", fields["path"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, rr.Header().Get("X-Request-ID"), fields["request_id"])
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["quota"])
	assert.NotEmpty(t, root.Version)
}
