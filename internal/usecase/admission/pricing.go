package admission

import (
	"errors"
	"fmt"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
)

// Price is the cost of one service in minor currency units.
type Price struct {
	// MinorPer1K is charged per thousand units (seconds, characters or tokens).
	MinorPer1K int64
	// Estimate is the projected cost of one request, checked before the call.
	Estimate int64
}

// Cost returns the charge for units, rounded up so any usage costs at least 1 when priced.
func (p Price) Cost(units int64) int64 {
	if units <= 0 || p.MinorPer1K <= 0 {
		return 0
	}
	return (units*p.MinorPer1K + 999) / 1000
}

// Pricing holds the per-service prices.
type Pricing struct {
	STT       Price
	TTS       Price
	LLM       Price
	Embedding Price
}

// For returns the price of a service type.
func (p Pricing) For(s domain.ServiceType) Price {
	switch s {
	case domain.ServiceSTT:
		return p.STT
	case domain.ServiceTTS:
		return p.TTS
	case domain.ServiceLLM:
		return p.LLM
	default:
		return p.Embedding
	}
}

// Validate rejects negative prices.
func (p Pricing) Validate() error {
	var errs []error
	for _, s := range domain.ServiceTypes {
		pr := p.For(s)
		if pr.MinorPer1K < 0 || pr.Estimate < 0 {
			errs = append(errs, fmt.Errorf("%s: price must be >= 0", s))
		}
	}
	return errors.Join(errs...)
}

// DefaultPricing returns list prices in cents.
func DefaultPricing() Pricing {
	return Pricing{
		STT:       Price{MinorPer1K: 10, Estimate: 1}, // seconds of audio
		TTS:       Price{MinorPer1K: 2, Estimate: 1},  // characters
		LLM:       Price{MinorPer1K: 1, Estimate: 2},  // tokens
		Embedding: Price{MinorPer1K: 1, Estimate: 1},
	}
}

// Ceilings are spend limits in minor units. Zero disables a ceiling.
type Ceilings struct {
	UserHourly   int64
	UserDaily    int64
	GlobalHourly int64
	GlobalDaily  int64
}

// Validate rejects negative ceilings.
func (c Ceilings) Validate() error {
	if c.UserHourly < 0 || c.UserDaily < 0 || c.GlobalHourly < 0 || c.GlobalDaily < 0 {
		return errors.New("cost ceilings must be >= 0")
	}
	return nil
}

// Limit returns the ceiling of a scope and period.
func (c Ceilings) Limit(global bool, p usage.Period) int64 {
	switch {
	case global && p == usage.PeriodHour:
		return c.GlobalHourly
	case global:
		return c.GlobalDaily
	case p == usage.PeriodHour:
		return c.UserHourly
	default:
		return c.UserDaily
	}
}

// Tiers maps each tier to its quota defaults.
type Tiers map[usage.Tier]usage.Limits

// DefaultTiers returns the stock tier table.
func DefaultTiers() Tiers {
	return Tiers{
		usage.TierFree: {DailyVoiceMinutes: 30, MonthlyTTSCharacters: 100_000, MonthlyLLMCalls: 1_000, MonthlyEmbeddingCalls: 10_000},
		usage.TierPlus: {DailyVoiceMinutes: 180, MonthlyTTSCharacters: 1_000_000, MonthlyLLMCalls: 20_000, MonthlyEmbeddingCalls: 200_000},
		usage.TierPro: {
			DailyVoiceMinutes:     usage.Unlimited,
			MonthlyTTSCharacters:  usage.Unlimited,
			MonthlyLLMCalls:       usage.Unlimited,
			MonthlyEmbeddingCalls: usage.Unlimited,
		},
	}
}
