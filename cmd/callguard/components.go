package main

import (
	"time"

	"github.com/kailas-cloud/callguard/internal/config"
	"github.com/kailas-cloud/callguard/internal/db/sqldb"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
	admissionuc "github.com/kailas-cloud/callguard/internal/usecase/admission"
	"github.com/kailas-cloud/callguard/internal/usecase/breaker"
	healthuc "github.com/kailas-cloud/callguard/internal/usecase/health"
	"github.com/kailas-cloud/callguard/internal/usecase/streaming"
)

// Config sections use zero for "keep the default"; these helpers overlay them on the
// component defaults. Names were validated by config.Validate.

func ms(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func sec(v int) time.Duration { return time.Duration(v) * time.Second }

func overlayDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func overlayInt[T int | int64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func ledgerConfig(c config.LedgerConfig) sqldb.Config {
	return sqldb.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: sec(c.ConnMaxLifetimeSec),
		SlowThreshold:   ms(c.SlowThresholdMs),
	}
}

func monitorConfig(c config.HealthConfig) healthuc.MonitorConfig {
	out := healthuc.DefaultMonitorConfig()
	overlayDuration(&out.PollInterval, ms(c.PollIntervalMs))
	overlayDuration(&out.PingTimeout, ms(c.PingTimeoutMs))
	overlayDuration(&out.YellowThreshold, ms(c.YellowThresholdMs))
	overlayDuration(&out.RedThreshold, ms(c.RedThresholdMs))
	overlayDuration(&out.InnerYellowThreshold, ms(c.InnerYellowMs))
	overlayInt(&out.RedPolls, c.RedPolls)
	overlayInt(&out.SustainedYellowPolls, c.SustainedYellowPolls)
	overlayInt(&out.RecoveryPolls, c.RecoveryPolls)
	return out
}

func breakerConfigs(c config.BreakerConfig) breaker.Configs {
	out := breaker.DefaultConfigs()
	for name, sc := range c.Services {
		var dst *breaker.Config
		switch domain.ServiceType(name) {
		case domain.ServiceSTT:
			dst = &out.STT
		case domain.ServiceTTS:
			dst = &out.TTS
		case domain.ServiceLLM:
			dst = &out.LLM
		case domain.ServiceEmbedding:
			dst = &out.Embedding
		default:
			continue
		}
		overlayInt(&dst.FailureThreshold, sc.FailureThreshold)
		overlayInt(&dst.SuccessThreshold, sc.SuccessThreshold)
		overlayDuration(&dst.Timeout, ms(sc.TimeoutMs))
		overlayDuration(&dst.BaseDelay, ms(sc.BaseDelayMs))
		overlayDuration(&dst.MaxDelay, ms(sc.MaxDelayMs))
		overlayDuration(&dst.Jitter, ms(sc.JitterMs))
	}
	return out
}

func admissionConfig(c config.AdmissionConfig) admissionuc.Config {
	out := admissionuc.DefaultConfig()
	out.DefaultTier = usage.Tier(c.DefaultTier)

	for name, lc := range c.Limits {
		var dst *admissionuc.LimitConfig
		switch name {
		case "global":
			dst = &out.Limits.Global
		case string(domain.ServiceSTT):
			dst = &out.Limits.STT
		case string(domain.ServiceTTS):
			dst = &out.Limits.TTS
		case string(domain.ServiceLLM):
			dst = &out.Limits.LLM
		case string(domain.ServiceEmbedding):
			dst = &out.Limits.Embedding
		default:
			continue
		}
		overlayInt(&dst.Points, lc.Points)
		overlayDuration(&dst.Duration, sec(lc.DurationSec))
		overlayDuration(&dst.BlockDuration, sec(lc.BlockDurationSec))
	}

	for name, tc := range c.Tiers {
		out.Tiers[usage.Tier(name)] = usage.Limits{
			DailyVoiceMinutes:     tc.DailyVoiceMinutes,
			MonthlyTTSCharacters:  tc.MonthlyTTSCharacters,
			MonthlyLLMCalls:       tc.MonthlyLLMCalls,
			MonthlyEmbeddingCalls: tc.MonthlyEmbeddingCalls,
		}
	}

	out.Ceilings = admissionuc.Ceilings{
		UserHourly:   c.Ceilings.UserHourly,
		UserDaily:    c.Ceilings.UserDaily,
		GlobalHourly: c.Ceilings.GlobalHourly,
		GlobalDaily:  c.Ceilings.GlobalDaily,
	}

	for name, pc := range c.Pricing {
		p := admissionuc.Price{MinorPer1K: pc.MinorPer1K, Estimate: pc.Estimate}
		switch domain.ServiceType(name) {
		case domain.ServiceSTT:
			out.Pricing.STT = p
		case domain.ServiceTTS:
			out.Pricing.TTS = p
		case domain.ServiceLLM:
			out.Pricing.LLM = p
		case domain.ServiceEmbedding:
			out.Pricing.Embedding = p
		}
	}
	return out
}

func streamingConfig(c config.StreamingConfig) streaming.Config {
	out := streaming.DefaultConfig()
	overlayInt(&out.FlushChars, c.FlushChars)
	overlayInt(&out.MaxUnsafeChunks, c.MaxUnsafeChunks)
	overlayInt(&out.QueueSize, c.QueueSize)
	if c.FallbackMessage != "" {
		out.FallbackMessage = c.FallbackMessage
	}
	return out
}
