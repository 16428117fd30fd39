// Package circuit holds the circuit breaker state model.
package circuit

import (
	"fmt"
	"time"
)

// Phase is the breaker state machine position.
type Phase string

// Breaker phases.
const (
	Closed   Phase = "closed"
	Open     Phase = "open"
	HalfOpen Phase = "half_open"
)

// ParsePhase parses a stored phase. Empty input means Closed (no state yet).
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case "", Closed:
		return Closed, nil
	case Open:
		return Open, nil
	case HalfOpen:
		return HalfOpen, nil
	}
	return "", fmt.Errorf("unknown breaker phase %q", s)
}

// Gauge returns the numeric value exported for dashboards.
func (p Phase) Gauge() float64 {
	switch p {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// State is the shared breaker state of one provider key.
// Open implies NextRetryAt is set; entering HalfOpen resets SuccessCount.
type State struct {
	ProviderKey     string
	Phase           Phase
	FailureCount    int64
	SuccessCount    int64
	LastFailureAt   time.Time
	NextRetryAt     time.Time
	TotalRequests   int64
	TotalFailures   int64
	AvgResponseTime time.Duration
}

// Initial returns the state of a breaker that has never failed.
func Initial(key string) State {
	return State{ProviderKey: key, Phase: Closed}
}

// RetryAfter returns how long until a trial call is allowed. Zero unless Open.
func (s State) RetryAfter(now time.Time) time.Duration {
	if s.Phase != Open || s.NextRetryAt.IsZero() {
		return 0
	}
	if d := s.NextRetryAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
