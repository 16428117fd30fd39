package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int64
	SuccessThreshold int64
	Timeout          time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           time.Duration
}

// Validate rejects configs that would break the state machine or omit jitter.
func (c Config) Validate() error {
	var errs []error
	if c.FailureThreshold < 1 {
		errs = append(errs, errors.New("failure_threshold must be >= 1"))
	}
	if c.SuccessThreshold < 1 {
		errs = append(errs, errors.New("success_threshold must be >= 1"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, errors.New("base_delay must be > 0"))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, errors.New("max_delay must be >= base_delay"))
	}
	if c.Jitter <= 0 {
		errs = append(errs, errors.New("jitter must be > 0"))
	}
	return errors.Join(errs...)
}

// Configs holds one typed config per service type.
type Configs struct {
	STT       Config
	TTS       Config
	LLM       Config
	Embedding Config
}

// For returns the config of a service type.
func (c Configs) For(s domain.ServiceType) Config {
	switch s {
	case domain.ServiceSTT:
		return c.STT
	case domain.ServiceTTS:
		return c.TTS
	case domain.ServiceLLM:
		return c.LLM
	default:
		return c.Embedding
	}
}

// Validate validates every variant.
func (c Configs) Validate() error {
	var errs []error
	for _, s := range domain.ServiceTypes {
		if err := c.For(s).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("breaker.%s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultConfigs returns production defaults. Speech synthesis and completions get
// longer time boxes than transcription and embeddings.
func DefaultConfigs() Configs {
	base := Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		BaseDelay:        time.Second,
		MaxDelay:         5 * time.Minute,
		Jitter:           time.Second,
	}
	stt, tts, llm, emb := base, base, base, base
	stt.Timeout = 10 * time.Second
	tts.Timeout = 15 * time.Second
	llm.Timeout = 30 * time.Second
	emb.Timeout = 10 * time.Second
	return Configs{STT: stt, TTS: tts, LLM: llm, Embedding: emb}
}
