package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// LimitConfig is a fixed window: Points per Duration, overflow blocks the key for BlockDuration.
type LimitConfig struct {
	Points        int64
	Duration      time.Duration
	BlockDuration time.Duration
}

// Validate enforces a cooldown at least as long as the window and a budget that
// strict mode can still reduce.
func (c LimitConfig) Validate() error {
	var errs []error
	if c.Points < 2 {
		errs = append(errs, errors.New("points must be >= 2"))
	}
	if c.Duration <= 0 {
		errs = append(errs, errors.New("duration must be > 0"))
	}
	if c.BlockDuration < c.Duration {
		errs = append(errs, errors.New("block_duration must be >= duration"))
	}
	return errors.Join(errs...)
}

// Strict halves the points (floor, min 1) and doubles the block duration.
func (c LimitConfig) Strict() LimitConfig {
	p := c.Points / 2
	if p < 1 {
		p = 1
	}
	return LimitConfig{Points: p, Duration: c.Duration, BlockDuration: c.BlockDuration * 2}
}

// Limits is the closed set of limiter variants: one global, one per service type.
type Limits struct {
	Global    LimitConfig
	STT       LimitConfig
	TTS       LimitConfig
	LLM       LimitConfig
	Embedding LimitConfig
}

// For returns the limiter config of a service type.
func (l Limits) For(s domain.ServiceType) LimitConfig {
	switch s {
	case domain.ServiceSTT:
		return l.STT
	case domain.ServiceTTS:
		return l.TTS
	case domain.ServiceLLM:
		return l.LLM
	default:
		return l.Embedding
	}
}

// Strict returns every variant in strict form.
func (l Limits) Strict() Limits {
	return Limits{
		Global:    l.Global.Strict(),
		STT:       l.STT.Strict(),
		TTS:       l.TTS.Strict(),
		LLM:       l.LLM.Strict(),
		Embedding: l.Embedding.Strict(),
	}
}

// Validate validates every variant.
func (l Limits) Validate() error {
	var errs []error
	if err := l.Global.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("global: %w", err))
	}
	for _, s := range domain.ServiceTypes {
		if err := l.For(s).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultLimits returns production defaults.
func DefaultLimits() Limits {
	return Limits{
		Global:    LimitConfig{Points: 1000, Duration: time.Minute, BlockDuration: time.Minute},
		STT:       LimitConfig{Points: 30, Duration: time.Minute, BlockDuration: 2 * time.Minute},
		TTS:       LimitConfig{Points: 30, Duration: time.Minute, BlockDuration: 2 * time.Minute},
		LLM:       LimitConfig{Points: 60, Duration: time.Minute, BlockDuration: 2 * time.Minute},
		Embedding: LimitConfig{Points: 120, Duration: time.Minute, BlockDuration: 2 * time.Minute},
	}
}

// LimitResult is the outcome of one Consume.
type LimitResult struct {
	Allowed    bool
	Consumed   int64
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter over the coordination store.
type Limiter struct {
	name string
	cfg  LimitConfig
	repo WindowRepo
}

// NewLimiter validates cfg and creates a limiter.
func NewLimiter(name string, cfg LimitConfig, repo WindowRepo) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("limiter %s: %w", name, err)
	}
	return &Limiter{name: name, cfg: cfg, repo: repo}, nil
}

// Config returns the effective config.
func (l *Limiter) Config() LimitConfig { return l.cfg }

// Consume takes one point for key.
func (l *Limiter) Consume(ctx context.Context, key string) (LimitResult, error) {
	blocked, err := l.repo.BlockedFor(ctx, key)
	if err != nil {
		return LimitResult{}, fmt.Errorf("limiter %s: %w", l.name, err)
	}
	if blocked > 0 {
		return LimitResult{Consumed: l.cfg.Points, RetryAfter: blocked}, nil
	}

	n, _, err := l.repo.Hit(ctx, key, 1, l.cfg.Duration)
	if err != nil {
		return LimitResult{}, fmt.Errorf("limiter %s: %w", l.name, err)
	}
	if n > l.cfg.Points {
		if err := l.repo.Block(ctx, key, l.cfg.BlockDuration); err != nil {
			return LimitResult{}, fmt.Errorf("limiter %s: %w", l.name, err)
		}
		return LimitResult{Consumed: n, RetryAfter: l.cfg.BlockDuration}, nil
	}
	return LimitResult{Allowed: true, Consumed: n, Remaining: l.cfg.Points - n}, nil
}
