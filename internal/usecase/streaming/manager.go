// Package streaming delivers generated text to a client while a safety classifier vets it.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/safety"
)

// Error codes of terminal error events.
const (
	CodeSafetyViolation = "safety_violation"
	CodeProviderError   = "provider_error"
	CodeCanceled        = "canceled"
)

// Config tunes flushing and abort behavior.
type Config struct {
	// FlushChars flushes the buffer once it holds this many runes.
	FlushChars int
	// MaxUnsafeChunks consecutive unsafe flushes abort the stream.
	MaxUnsafeChunks int
	// QueueSize bounds tokens read ahead of the flush loop.
	QueueSize int
	// FallbackMessage replaces the response when it is aborted or fails the final pass.
	FallbackMessage string
}

// DefaultConfig returns the stock streaming config.
func DefaultConfig() Config {
	return Config{
		FlushChars:      80,
		MaxUnsafeChunks: 3,
		QueueSize:       64,
		FallbackMessage: "I can't continue with this response. Let's talk about something else.",
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	var errs []error
	if c.FlushChars < 1 {
		errs = append(errs, errors.New("flush_chars must be >= 1"))
	}
	if c.MaxUnsafeChunks < 1 {
		errs = append(errs, errors.New("max_unsafe_chunks must be >= 1"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue_size must be >= 1"))
	}
	if c.FallbackMessage == "" {
		errs = append(errs, errors.New("fallback_message is required"))
	}
	return errors.Join(errs...)
}

// Result summarizes a finished stream.
type Result struct {
	// FullResponse is the text delivered to the client, or the fallback message
	// when the response was aborted or failed the final pass.
	FullResponse     string
	WasFiltered      bool
	Aborted          bool
	TraceID          string
	TimeToFirstToken time.Duration
	Total            time.Duration
	SafetyCheckTime  time.Duration
	Err              error
}

// Manager runs safety-gated streams.
type Manager struct {
	cfg        Config
	classifier safety.Classifier
	clk        clock.Clock
	logger     *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a manager. classifier is used when a stream does not bring its own.
func NewManager(classifier safety.Classifier, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("streaming config: %w", err)
	}
	m := &Manager{cfg: cfg, classifier: classifier, clk: clock.Real(), logger: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

type userKey struct{}

// WithUserID tags classifier calls made under ctx with the caller.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

type traceKey struct{}

// WithTraceID pins the trace id used for every classifier call and event under ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the pinned trace id, else the active span's trace id, else a fresh UUID.
func TraceID(ctx context.Context) string {
	if id, _ := ctx.Value(traceKey{}).(string); id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// ModerationError is returned by PreModerate for rejected input.
type ModerationError struct {
	Assessment safety.Assessment
}

func (e *ModerationError) Error() string {
	return fmt.Sprintf("%s: input rated %s", domain.ErrSafetyViolation, e.Assessment.RiskLevel)
}

// Unwrap returns domain.ErrSafetyViolation.
func (e *ModerationError) Unwrap() error { return domain.ErrSafetyViolation }

// PreModerate vets user input before any stream starts. A classifier failure rejects.
func (m *Manager) PreModerate(ctx context.Context, text string) (safety.Assessment, error) {
	ac := safety.AssessContext{TraceID: TraceID(ctx), UserID: userID(ctx), Stage: safety.StageInput}
	a, err := m.classifier.Assess(ctx, text, ac)
	if err != nil {
		m.logger.Warn("pre-moderation classifier failed, rejecting input", zap.Error(err))
		a = unavailable()
	}
	if !a.IsSafe {
		return a, &ModerationError{Assessment: a}
	}
	return a, nil
}

func unavailable() safety.Assessment {
	return safety.Assessment{IsSafe: false, RiskLevel: safety.RiskHigh, Concerns: []string{"classifier_unavailable"}}
}
