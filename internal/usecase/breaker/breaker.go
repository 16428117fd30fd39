// Package breaker isolates failing providers behind a shared circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/circuit"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

// Op is a wrapped provider call.
type Op func(ctx context.Context) (any, error)

// Result is the outcome of Execute. Expected failures are reported here, not panicked or thrown.
type Result struct {
	Success      bool
	Data         any
	Err          error
	OriginalErr  error // primary failure when a fallback answered
	ResponseTime time.Duration
	IsFallback   bool
	RetryAfter   time.Duration
}

type cachedState struct {
	st circuit.State
	at time.Time
}

// Breaker guards one provider key.
type Breaker struct {
	key      string
	cfg      Config
	repo     StateRepo
	clk      clock.Clock
	rnd      func() float64
	ignore   func(error) bool
	cacheTTL time.Duration
	logger   *zap.Logger

	// mu serializes transition decisions of this key within the process.
	// It is never held across the wrapped call.
	mu    sync.Mutex
	cache atomic.Pointer[cachedState]
}

func newBreaker(key string, cfg Config, deps deps) *Breaker {
	return &Breaker{
		key:      key,
		cfg:      cfg,
		repo:     deps.repo,
		clk:      deps.clk,
		rnd:      deps.rnd,
		ignore:   deps.ignore,
		cacheTTL: deps.cacheTTL,
		logger:   deps.logger.With(zap.String("provider_key", key)),
	}
}

// Key returns the provider key.
func (b *Breaker) Key() string { return b.key }

// Execute runs op under the breaker. When op fails, is rejected by an open circuit or
// times out, and fallback is non-nil, the fallback outcome is returned tagged IsFallback.
func (b *Breaker) Execute(ctx context.Context, op, fallback Op) Result {
	start := b.clk.Now()

	if err := ctx.Err(); err != nil {
		return Result{Err: fmt.Errorf("%w: %w", domain.ErrCallerCanceled, err)}
	}

	admitted, st := b.admit(ctx)
	if !admitted {
		retryAfter := st.RetryAfter(b.clk.Now())
		metrics.BreakerRequestsTotal.WithLabelValues(b.key, "rejected").Inc()
		openErr := fmt.Errorf("%w: %s, retry in %s", domain.ErrCircuitOpen, b.key, retryAfter.Round(time.Millisecond))
		if fallback != nil {
			res := b.runFallback(ctx, fallback, openErr, start)
			res.RetryAfter = retryAfter
			return res
		}
		return Result{Err: openErr, RetryAfter: retryAfter, ResponseTime: clock.Since(b.clk, start)}
	}

	data, err := b.race(ctx, op)
	rt := clock.Since(b.clk, start)

	switch {
	case err == nil:
		b.record(ctx, nil, rt, true)
		metrics.BreakerRequestsTotal.WithLabelValues(b.key, "success").Inc()
		return Result{Success: true, Data: data, ResponseTime: rt}
	case ctx.Err() != nil:
		// The caller went away; the provider is not at fault.
		metrics.BreakerRequestsTotal.WithLabelValues(b.key, "canceled").Inc()
		return Result{Err: fmt.Errorf("%w: %w", domain.ErrCallerCanceled, err), ResponseTime: rt}
	}

	b.record(ctx, err, rt, true)
	metrics.BreakerRequestsTotal.WithLabelValues(b.key, "failure").Inc()
	if fallback != nil {
		return b.runFallback(ctx, fallback, err, start)
	}
	return Result{Err: err, ResponseTime: rt}
}

// Report records the outcome of work done outside Execute, such as a stream that
// failed after it was opened. It does not count as a new request.
func (b *Breaker) Report(ctx context.Context, err error) {
	if err != nil && ctx.Err() != nil {
		return
	}
	b.record(ctx, err, 0, false)
}

// race runs op against the configured time box. A timer win is a failure.
func (b *Breaker) race(ctx context.Context, op Op) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := op(callCtx)
		done <- outcome{data, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrProviderTimeout, b.key, b.cfg.Timeout)
		}
		return o.data, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err() //nolint:wrapcheck // classified by caller
		}
		return nil, fmt.Errorf("%w: %s after %s", domain.ErrProviderTimeout, b.key, b.cfg.Timeout)
	}
}

func (b *Breaker) runFallback(ctx context.Context, fallback Op, primaryErr error, start time.Time) Result {
	metrics.BreakerFallbacksTotal.WithLabelValues(b.key).Inc()
	data, err := fallback(ctx)
	return Result{
		Success:      err == nil,
		Data:         data,
		Err:          err,
		OriginalErr:  primaryErr,
		ResponseTime: clock.Since(b.clk, start),
		IsFallback:   true,
	}
}

// admit decides whether a call may reach the provider.
func (b *Breaker) admit(ctx context.Context) (bool, circuit.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.load(ctx)
	if err != nil {
		// Without state there is nothing to trip on; let the call through.
		b.logger.Warn("breaker state unavailable, admitting call", zap.Error(err))
		return true, circuit.Initial(b.key)
	}

	if st.Phase != circuit.Open {
		return true, st
	}
	if b.clk.Now().Before(st.NextRetryAt) {
		return false, st
	}

	won, err := b.repo.ClaimTrial(ctx, b.key, st.NextRetryAt)
	if err != nil {
		b.logger.Warn("trial claim failed", zap.Error(err))
		return false, st
	}
	if !won {
		// Another instance moved to HalfOpen for this deadline; join as a trial call if it did.
		cur, err := b.load(ctx)
		if err != nil {
			return false, st
		}
		return cur.Phase == circuit.HalfOpen, cur
	}

	st.Phase = circuit.HalfOpen
	st.SuccessCount = 0
	b.save(ctx, st)
	return true, st
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(ctx context.Context, callErr error, rt time.Duration, countRequest bool) {
	// Bookkeeping must finish even if the caller is gone.
	ctx = context.WithoutCancel(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.load(ctx)
	if err != nil {
		b.logger.Warn("breaker state unavailable, outcome dropped", zap.Error(err))
		return
	}

	if countRequest {
		if _, avg, err := b.repo.RecordRequest(ctx, b.key, st.AvgResponseTime, rt); err != nil {
			b.logger.Warn("breaker request metrics not stored", zap.Error(err))
		} else {
			st.AvgResponseTime = avg
			metrics.BreakerAvgResponseMs.WithLabelValues(b.key).Set(float64(avg.Milliseconds()))
		}
	}

	if callErr != nil && b.ignore != nil && b.ignore(callErr) {
		return
	}
	if callErr == nil {
		b.onSuccess(ctx, st)
		return
	}
	b.onFailure(ctx, st, callErr)
}

func (b *Breaker) onSuccess(ctx context.Context, st circuit.State) {
	switch st.Phase {
	case circuit.HalfOpen:
		n, err := b.repo.IncrSuccess(ctx, b.key)
		if err != nil {
			b.logger.Warn("breaker success not stored", zap.Error(err))
			return
		}
		if n >= b.cfg.SuccessThreshold {
			b.save(ctx, circuit.Initial(b.key))
		}
	case circuit.Closed:
		if st.FailureCount > 0 {
			st.FailureCount = 0
			b.save(ctx, st)
		}
	case circuit.Open:
		// A late result after another caller reopened the breaker. Keep the deadline.
	}
}

func (b *Breaker) onFailure(ctx context.Context, st circuit.State, callErr error) {
	n, err := b.repo.IncrFailure(ctx, b.key)
	if err != nil {
		b.logger.Warn("breaker failure not stored", zap.Error(err))
		return
	}
	now := b.clk.Now()
	st.FailureCount = n
	st.LastFailureAt = now

	switch st.Phase {
	case circuit.Closed:
		if n < b.cfg.FailureThreshold {
			b.save(ctx, st)
			return
		}
	case circuit.Open:
		return
	case circuit.HalfOpen:
		// A single failed trial call reopens. FailureCount kept growing, so the backoff does too.
	}

	st.Phase = circuit.Open
	st.SuccessCount = 0
	st.NextRetryAt = now.Add(Backoff(b.cfg, n, b.rnd))
	b.logger.Warn("circuit opened",
		zap.Int64("failures", n),
		zap.Time("next_retry_at", st.NextRetryAt),
		zap.Error(callErr),
	)
	b.save(ctx, st)
}

func (b *Breaker) load(ctx context.Context) (circuit.State, error) {
	st, err := b.repo.Load(ctx, b.key)
	if err != nil {
		return circuit.State{}, fmt.Errorf("load breaker state: %w", err)
	}
	b.cache.Store(&cachedState{st: st, at: b.clk.Now()})
	return st, nil
}

func (b *Breaker) save(ctx context.Context, st circuit.State) {
	prev := b.cache.Load()
	if err := b.repo.SavePhase(ctx, st); err != nil {
		b.logger.Warn("breaker state not stored", zap.String("phase", string(st.Phase)), zap.Error(err))
		return
	}
	b.cache.Store(&cachedState{st: st, at: b.clk.Now()})
	metrics.BreakerState.WithLabelValues(b.key).Set(st.Phase.Gauge())
	if prev == nil || prev.st.Phase != st.Phase {
		metrics.BreakerTransitionsTotal.WithLabelValues(b.key, string(st.Phase)).Inc()
		if st.Phase != circuit.Open {
			b.logger.Info("circuit phase changed", zap.String("phase", string(st.Phase)))
		}
	}
}

// Snapshot returns the breaker state, served from a local cache for up to the cache TTL.
// The snapshot may be stale and is for status reporting only, never for decisions.
func (b *Breaker) Snapshot(ctx context.Context) circuit.State {
	if c := b.cache.Load(); c != nil && clock.Since(b.clk, c.at) < b.cacheTTL {
		return c.st
	}
	st, err := b.load(ctx)
	if err != nil {
		if c := b.cache.Load(); c != nil {
			return c.st
		}
		return circuit.Initial(b.key)
	}
	return st
}

// Call is the typed form of Execute.
func Call[T any](
	ctx context.Context, b *Breaker,
	op func(ctx context.Context) (T, error),
	fallback func(ctx context.Context) (T, error),
) (T, Result) {
	var fb Op
	if fallback != nil {
		fb = func(ctx context.Context) (any, error) { return fallback(ctx) }
	}
	res := b.Execute(ctx, func(ctx context.Context) (any, error) { return op(ctx) }, fb)
	var zero T
	if !res.Success {
		return zero, res
	}
	v, ok := res.Data.(T)
	if !ok {
		return zero, res
	}
	return v, res
}
