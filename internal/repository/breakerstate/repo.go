// Package breakerstate persists circuit breaker state as coordination store hashes.
package breakerstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain/circuit"
)

// Hash field names.
const (
	fieldPhase         = "phase"
	fieldFailureCount  = "failure_count"
	fieldSuccessCount  = "success_count"
	fieldLastFailureAt = "last_failure_at"
	fieldNextRetryAt   = "next_retry_at"
	fieldTotalRequests = "total_requests"
	fieldTotalFailures = "total_failures"
	fieldAvgResponseMs = "avg_response_ms"
)

// trialClaimTTL bounds how long a half-open claim marker lives.
const trialClaimTTL = 10 * time.Minute

// store is the consumer interface for breaker state (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, val int64) (int64, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Repo reads and writes breaker state.
type Repo struct {
	store  store
	prefix string
}

// New creates a breaker state repository. prefix is prepended to every key.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix}
}

func (r *Repo) key(providerKey string) string {
	return r.prefix + "breaker:" + providerKey
}

// Load returns the stored state, or the initial Closed state when none exists.
func (r *Repo) Load(ctx context.Context, providerKey string) (circuit.State, error) {
	fields, err := r.store.HGetAll(ctx, r.key(providerKey))
	if err != nil {
		return circuit.State{}, fmt.Errorf("load breaker %s: %w", providerKey, err)
	}
	st, err := decode(providerKey, fields)
	if err != nil {
		return circuit.State{}, fmt.Errorf("decode breaker %s: %w", providerKey, err)
	}
	return st, nil
}

// SavePhase writes the state machine fields. Request totals are left to the counters.
func (r *Repo) SavePhase(ctx context.Context, st circuit.State) error {
	fields := map[string]string{
		fieldPhase:         string(st.Phase),
		fieldFailureCount:  strconv.FormatInt(st.FailureCount, 10),
		fieldSuccessCount:  strconv.FormatInt(st.SuccessCount, 10),
		fieldLastFailureAt: formatTime(st.LastFailureAt),
		fieldNextRetryAt:   formatTime(st.NextRetryAt),
	}
	if err := r.store.HSet(ctx, r.key(st.ProviderKey), fields); err != nil {
		return fmt.Errorf("save breaker %s: %w", st.ProviderKey, err)
	}
	return nil
}

// IncrFailure atomically bumps the consecutive and total failure counters.
// Returns the new consecutive failure count.
func (r *Repo) IncrFailure(ctx context.Context, providerKey string) (int64, error) {
	n, err := r.store.HIncrBy(ctx, r.key(providerKey), fieldFailureCount, 1)
	if err != nil {
		return 0, fmt.Errorf("incr breaker failures %s: %w", providerKey, err)
	}
	if _, err := r.store.HIncrBy(ctx, r.key(providerKey), fieldTotalFailures, 1); err != nil {
		return 0, fmt.Errorf("incr breaker total failures %s: %w", providerKey, err)
	}
	return n, nil
}

// IncrSuccess atomically bumps the consecutive success counter.
func (r *Repo) IncrSuccess(ctx context.Context, providerKey string) (int64, error) {
	n, err := r.store.HIncrBy(ctx, r.key(providerKey), fieldSuccessCount, 1)
	if err != nil {
		return 0, fmt.Errorf("incr breaker successes %s: %w", providerKey, err)
	}
	return n, nil
}

// RecordRequest bumps the request counter and folds rt into the cumulative moving average.
// prevAvg is the average the caller last observed.
func (r *Repo) RecordRequest(
	ctx context.Context, providerKey string, prevAvg, rt time.Duration,
) (int64, time.Duration, error) {
	n, err := r.store.HIncrBy(ctx, r.key(providerKey), fieldTotalRequests, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("incr breaker requests %s: %w", providerKey, err)
	}
	avg := MovingAverage(prevAvg, rt, n)
	fields := map[string]string{fieldAvgResponseMs: strconv.FormatInt(avg.Milliseconds(), 10)}
	if err := r.store.HSet(ctx, r.key(providerKey), fields); err != nil {
		return n, avg, fmt.Errorf("save breaker avg %s: %w", providerKey, err)
	}
	return n, avg, nil
}

// ClaimTrial atomically claims the Open to HalfOpen transition for one retry deadline.
// Exactly one caller across all instances wins per deadline.
func (r *Repo) ClaimTrial(ctx context.Context, providerKey string, nextRetryAt time.Time) (bool, error) {
	claim := r.key(providerKey) + ":halfopen:" + strconv.FormatInt(nextRetryAt.UnixMilli(), 10)
	ok, err := r.store.SetNX(ctx, claim, []byte("1"), trialClaimTTL)
	if err != nil {
		return false, fmt.Errorf("claim breaker trial %s: %w", providerKey, err)
	}
	return ok, nil
}

// MovingAverage folds sample into the cumulative average of n samples.
func MovingAverage(prev, sample time.Duration, n int64) time.Duration {
	if n <= 1 {
		return sample
	}
	return prev + (sample-prev)/time.Duration(n)
}

func decode(providerKey string, f map[string]string) (circuit.State, error) {
	phase, err := circuit.ParsePhase(f[fieldPhase])
	if err != nil {
		return circuit.State{}, err
	}
	st := circuit.State{ProviderKey: providerKey, Phase: phase}
	ints := []struct {
		field string
		dst   *int64
	}{
		{fieldFailureCount, &st.FailureCount},
		{fieldSuccessCount, &st.SuccessCount},
		{fieldTotalRequests, &st.TotalRequests},
		{fieldTotalFailures, &st.TotalFailures},
	}
	for _, it := range ints {
		if *it.dst, err = parseInt(f[it.field]); err != nil {
			return circuit.State{}, fmt.Errorf("%s: %w", it.field, err)
		}
	}
	if st.LastFailureAt, err = parseTime(f[fieldLastFailureAt]); err != nil {
		return circuit.State{}, fmt.Errorf("%s: %w", fieldLastFailureAt, err)
	}
	if st.NextRetryAt, err = parseTime(f[fieldNextRetryAt]); err != nil {
		return circuit.State{}, fmt.Errorf("%s: %w", fieldNextRetryAt, err)
	}
	avgMs, err := parseInt(f[fieldAvgResponseMs])
	if err != nil {
		return circuit.State{}, fmt.Errorf("%s: %w", fieldAvgResponseMs, err)
	}
	st.AvgResponseTime = time.Duration(avgMs) * time.Millisecond
	return st, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64) //nolint:wrapcheck // wrapped by caller
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) (time.Time, error) {
	ms, err := parseInt(s)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
