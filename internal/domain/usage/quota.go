package usage

import (
	"fmt"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// Unlimited disables a quota limit.
const Unlimited int64 = -1

// Tier is a subscription level that selects quota defaults.
type Tier string

// Known tiers.
const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierPlus, TierPro:
		return Tier(s), nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, s)
}

// Limits are the per-period allowances of a tier.
type Limits struct {
	DailyVoiceMinutes     int64
	MonthlyTTSCharacters  int64
	MonthlyLLMCalls       int64
	MonthlyEmbeddingCalls int64
}

// Quota is the durable per-user allowance.
type Quota struct {
	UserID      string
	Tier        Tier
	Limits      Limits
	PeriodStart time.Time
}

// Window is the reset cadence of a quota limit.
type Window string

// Quota windows.
const (
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// Start returns the UTC start of the window containing t.
func (w Window) Start(t time.Time) time.Time {
	t = t.UTC()
	if w == WindowMonth {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// End returns the UTC end of the window containing t.
func (w Window) End(t time.Time) time.Time {
	start := w.Start(t)
	if w == WindowMonth {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// Measure says what a quota limit counts.
type Measure int

// Quota measures.
const (
	// MeasureUnits sums CostRecord units, divided by UnitDivisor.
	MeasureUnits Measure = iota
	// MeasureCalls counts CostRecords.
	MeasureCalls
)

// Check describes how one service is metered against the quota.
type Check struct {
	Name        string
	Limit       int64
	Window      Window
	Measure     Measure
	UnitDivisor int64
}

// CheckFor returns the quota check for a service.
// STT units are seconds of audio, counted against whole voice minutes.
func (q Quota) CheckFor(s domain.ServiceType) Check {
	switch s {
	case domain.ServiceSTT:
		return Check{Name: "daily_voice_minutes", Limit: q.Limits.DailyVoiceMinutes, Window: WindowDay, Measure: MeasureUnits, UnitDivisor: 60}
	case domain.ServiceTTS:
		return Check{Name: "monthly_tts_characters", Limit: q.Limits.MonthlyTTSCharacters, Window: WindowMonth, Measure: MeasureUnits, UnitDivisor: 1}
	case domain.ServiceLLM:
		return Check{Name: "monthly_llm_calls", Limit: q.Limits.MonthlyLLMCalls, Window: WindowMonth, Measure: MeasureCalls, UnitDivisor: 1}
	default:
		return Check{Name: "monthly_embedding_calls", Limit: q.Limits.MonthlyEmbeddingCalls, Window: WindowMonth, Measure: MeasureCalls, UnitDivisor: 1}
	}
}

// Unlimited reports whether the check never rejects.
func (c Check) Unlimited() bool { return c.Limit < 0 }
