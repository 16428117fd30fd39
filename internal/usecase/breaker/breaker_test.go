package breaker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/db/memory"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/circuit"
	"github.com/kailas-cloud/callguard/internal/repository/breakerstate"
)

var errUpstream = &domain.ProviderError{Provider: "openai", StatusCode: 500, Err: errors.New("internal error")}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		BaseDelay:        time.Second,
		MaxDelay:         time.Minute,
		Jitter:           500 * time.Millisecond,
	}
}

func testConfigs(c Config) Configs {
	return Configs{STT: c, TTS: c, LLM: c, Embedding: c}
}

// spyRepo counts phase writes on top of a real repo.
type spyRepo struct {
	StateRepo
	mu     sync.Mutex
	phases []circuit.Phase
}

func (s *spyRepo) SavePhase(ctx context.Context, st circuit.State) error {
	s.mu.Lock()
	s.phases = append(s.phases, st.Phase)
	s.mu.Unlock()
	return s.StateRepo.SavePhase(ctx, st)
}

func (s *spyRepo) count(p circuit.Phase) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ph := range s.phases {
		if ph == p {
			n++
		}
	}
	return n
}

type env struct {
	clk   *clock.Manual
	store *memory.Store
	repo  *spyRepo
	reg   *Registry
	b     *Breaker
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := memory.NewStore(clk)
	repo := &spyRepo{StateRepo: breakerstate.New(store, "callguard:")}
	reg, err := NewRegistry(repo, testConfigs(cfg), WithClock(clk), WithRand(func() float64 { return 0 }))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &env{clk: clk, store: store, repo: repo, reg: reg, b: reg.For("openai", domain.ServiceLLM)}
}

func failing(calls *atomic.Int32) Op {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errUpstream
	}
}

func succeeding(calls *atomic.Int32) Op {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return "ok", nil
	}
}

func (e *env) state(t *testing.T) circuit.State {
	t.Helper()
	st, err := e.repo.Load(context.Background(), e.b.Key())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return st
}

func TestOpensAfterThreshold(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		res := e.b.Execute(ctx, failing(&calls), nil)
		if res.Success {
			t.Fatal("expected failure")
		}
	}
	st := e.state(t)
	if st.Phase != circuit.Open {
		t.Fatalf("expected open, got %s", st.Phase)
	}
	if !st.NextRetryAt.After(e.clk.Now()) {
		t.Fatalf("expected NextRetryAt in the future, got %v", st.NextRetryAt)
	}

	res := e.b.Execute(ctx, failing(&calls), nil)
	if calls.Load() != 3 {
		t.Fatalf("op must not run while open, calls=%d", calls.Load())
	}
	if !errors.Is(res.Err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", res.Err)
	}
	// base 1s * 2^3
	if res.RetryAfter != 8*time.Second {
		t.Fatalf("expected RetryAfter 8s, got %v", res.RetryAfter)
	}
}

func TestOpenWithFallback_DoesNotContactProvider(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		e.b.Execute(ctx, failing(&calls), nil)
	}
	e.clk.Advance(10 * time.Millisecond)

	res := e.b.Execute(ctx, failing(&calls), func(context.Context) (any, error) {
		return "cached answer", nil
	})
	if !res.Success || !res.IsFallback {
		t.Fatalf("expected fallback success, got %+v", res)
	}
	if res.Data != "cached answer" {
		t.Fatalf("unexpected data %v", res.Data)
	}
	if !errors.Is(res.OriginalErr, domain.ErrCircuitOpen) {
		t.Fatalf("expected original error preserved, got %v", res.OriginalErr)
	}
	if calls.Load() != 3 {
		t.Fatalf("provider contacted while open, calls=%d", calls.Load())
	}
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	e := newEnv(t, testConfig())
	var calls atomic.Int32

	res := e.b.Execute(context.Background(), failing(&calls), func(context.Context) (any, error) {
		return "fallback", nil
	})
	if !res.Success || !res.IsFallback {
		t.Fatalf("expected fallback result, got %+v", res)
	}
	if !errors.Is(res.OriginalErr, domain.ErrProviderError) {
		t.Fatalf("expected provider error preserved, got %v", res.OriginalErr)
	}
	if e.state(t).FailureCount != 1 {
		t.Fatal("primary failure must still be recorded")
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		e.b.Execute(ctx, failing(&calls), nil)
	}
	e.clk.Advance(8 * time.Second)

	res := e.b.Execute(ctx, succeeding(&calls), nil)
	if !res.Success {
		t.Fatalf("trial call should run, got %v", res.Err)
	}
	if st := e.state(t); st.Phase != circuit.HalfOpen {
		t.Fatalf("expected half_open after one success, got %s", st.Phase)
	}

	e.b.Execute(ctx, succeeding(&calls), nil)
	st := e.state(t)
	if st.Phase != circuit.Closed {
		t.Fatalf("expected closed, got %s", st.Phase)
	}
	if st.FailureCount != 0 || st.SuccessCount != 0 {
		t.Fatalf("expected counters reset, got %+v", st)
	}
}

func TestHalfOpenFailureReopensWithLargerBackoff(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		e.b.Execute(ctx, failing(&calls), nil)
	}
	first := e.state(t)
	firstDelay := first.NextRetryAt.Sub(first.LastFailureAt)

	e.clk.Set(first.NextRetryAt)
	e.b.Execute(ctx, failing(&calls), nil)

	second := e.state(t)
	if second.Phase != circuit.Open {
		t.Fatalf("expected reopen, got %s", second.Phase)
	}
	secondDelay := second.NextRetryAt.Sub(second.LastFailureAt)
	if secondDelay < firstDelay {
		t.Fatalf("backoff shrank: %v < %v", secondDelay, firstDelay)
	}
	if e.repo.count(circuit.HalfOpen) != 1 {
		t.Fatalf("expected one half_open transition, got %d", e.repo.count(circuit.HalfOpen))
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	var calls atomic.Int32

	e.b.Execute(ctx, failing(&calls), nil)
	e.b.Execute(ctx, failing(&calls), nil)
	e.b.Execute(ctx, succeeding(&calls), nil)
	e.b.Execute(ctx, failing(&calls), nil)
	e.b.Execute(ctx, failing(&calls), nil)

	if st := e.state(t); st.Phase != circuit.Closed {
		t.Fatalf("non-consecutive failures must not open, got %s", st.Phase)
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.FailureThreshold = 1
	e := newEnv(t, cfg)

	res := e.b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	if !errors.Is(res.Err, domain.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", res.Err)
	}
	if st := e.state(t); st.Phase != circuit.Open {
		t.Fatalf("expected open after timeout, got %s", st.Phase)
	}
}

func TestTimeoutWinsAgainstOpIgnoringContext(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	e := newEnv(t, cfg)

	release := make(chan struct{})
	defer close(release)

	res := e.b.Execute(context.Background(), func(context.Context) (any, error) {
		<-release
		return "late", nil
	}, nil)
	if !errors.Is(res.Err, domain.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", res.Err)
	}
}

func TestCallerCancelIsNotAFailure(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	e := newEnv(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	res := e.b.Execute(ctx, func(opCtx context.Context) (any, error) {
		cancel()
		<-opCtx.Done()
		return nil, opCtx.Err()
	}, nil)
	if !errors.Is(res.Err, domain.ErrCallerCanceled) {
		t.Fatalf("expected ErrCallerCanceled, got %v", res.Err)
	}
	st := e.state(t)
	if st.Phase != circuit.Closed || st.FailureCount != 0 {
		t.Fatalf("cancellation must not count, got %+v", st)
	}

	// Already-canceled context never reaches the provider.
	var calls atomic.Int32
	res = e.b.Execute(ctx, succeeding(&calls), nil)
	if calls.Load() != 0 || !errors.Is(res.Err, domain.ErrCallerCanceled) {
		t.Fatalf("expected immediate cancel, got %+v", res)
	}
}

func TestClientErrorsIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	e := newEnv(t, cfg)

	bad := &domain.ProviderError{Provider: "openai", StatusCode: 400, Err: errors.New("bad request")}
	res := e.b.Execute(context.Background(), func(context.Context) (any, error) { return nil, bad }, nil)
	if res.Success {
		t.Fatal("expected the error to be returned")
	}
	if st := e.state(t); st.Phase != circuit.Closed || st.FailureCount != 0 {
		t.Fatalf("client errors must not trip the breaker, got %+v", st)
	}
}

func TestExactlyOneHalfOpenTransitionAcrossInstances(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		e.b.Execute(ctx, failing(&calls), nil)
	}
	e.clk.Advance(time.Minute)

	// A second process sharing the same store.
	other, err := NewRegistry(e.repo, testConfigs(testConfig()), WithClock(e.clk), WithRand(func() float64 { return 0 }))
	if err != nil {
		t.Fatal(err)
	}
	breakers := []*Breaker{e.b, other.For("openai", domain.ServiceLLM)}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(b *Breaker) {
			defer wg.Done()
			b.Execute(ctx, func(context.Context) (any, error) {
				time.Sleep(time.Millisecond)
				return "ok", nil
			}, nil)
		}(breakers[i%2])
	}
	wg.Wait()

	if n := e.repo.count(circuit.HalfOpen); n != 1 {
		t.Fatalf("expected exactly one half_open transition, got %d", n)
	}
}

func TestCallTyped(t *testing.T) {
	e := newEnv(t, testConfig())

	v, res := Call(context.Background(), e.b, func(context.Context) (int, error) { return 42, nil }, nil)
	if !res.Success || v != 42 {
		t.Fatalf("expected 42, got %d (%+v)", v, res)
	}

	v, res = Call(context.Background(), e.b,
		func(context.Context) (int, error) { return 0, errUpstream },
		func(context.Context) (int, error) { return 7, nil },
	)
	if !res.IsFallback || v != 7 {
		t.Fatalf("expected fallback 7, got %d (%+v)", v, res)
	}
}

func TestRequestMetricsStored(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	for _, d := range []time.Duration{100 * time.Millisecond, 300 * time.Millisecond} {
		e.b.Execute(ctx, func(context.Context) (any, error) {
			e.clk.Advance(d)
			return nil, nil
		}, nil)
	}
	st := e.state(t)
	if st.TotalRequests != 2 {
		t.Fatalf("expected 2 requests, got %d", st.TotalRequests)
	}
	if st.AvgResponseTime != 200*time.Millisecond {
		t.Fatalf("expected avg 200ms, got %v", st.AvgResponseTime)
	}
}

func TestSnapshotIsCached(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	var calls atomic.Int32

	if got := e.b.Snapshot(ctx); got.Phase != circuit.Closed {
		t.Fatalf("expected closed, got %s", got.Phase)
	}
	for i := 0; i < 3; i++ {
		e.b.Execute(ctx, failing(&calls), nil)
	}
	if got := e.b.Snapshot(ctx); got.Phase != circuit.Open {
		t.Fatalf("expected open from cache, got %s", got.Phase)
	}

	// Another instance closes the breaker; the cache lags until its TTL passes.
	_ = e.repo.SavePhase(ctx, circuit.Initial(e.b.Key()))
	if got := e.b.Snapshot(ctx); got.Phase != circuit.Open {
		t.Fatalf("expected stale open, got %s", got.Phase)
	}
	e.clk.Advance(DefaultSnapshotTTL)
	if got := e.b.Snapshot(ctx); got.Phase != circuit.Closed {
		t.Fatalf("expected refreshed closed, got %s", got.Phase)
	}

	snaps := e.reg.Snapshots(ctx)
	if len(snaps) != 1 || snaps[0].ProviderKey != "openai:llm" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
}

// fakeSource yields tokens then an error or io.EOF.
type fakeSource struct {
	tokens []string
	err    error
	closed bool
}

func (f *fakeSource) Next(context.Context) (string, error) {
	if len(f.tokens) == 0 {
		if f.err != nil {
			return "", f.err
		}
		return "", io.EOF
	}
	tok := f.tokens[0]
	f.tokens = f.tokens[1:]
	return tok, nil
}

func (f *fakeSource) Close() error { f.closed = true; return nil }

func TestGuardedSource_MidStreamFailureReported(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	e := newEnv(t, cfg)
	ctx := context.Background()

	src := &fakeSource{tokens: []string{"Hel", "lo"}, err: errUpstream}
	g := Guard(e.b, func(context.Context) (domain.TokenSource, error) { return src, nil })

	for i := 0; i < 2; i++ {
		if _, err := g.Next(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := g.Next(ctx); !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if st := e.state(t); st.Phase != circuit.Open {
		t.Fatalf("mid-stream failure must reach the breaker, got %s", st.Phase)
	}
	if st := e.state(t); st.TotalRequests != 1 {
		t.Fatalf("stream counts as one request, got %d", st.TotalRequests)
	}

	_ = g.Close()
	if !src.closed {
		t.Fatal("expected underlying source closed")
	}
}

func TestGuardedSource_OpenRejectedWhileOpen(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	e := newEnv(t, cfg)
	ctx := context.Background()
	var calls atomic.Int32
	e.b.Execute(ctx, failing(&calls), nil)

	opened := false
	g := Guard(e.b, func(context.Context) (domain.TokenSource, error) {
		opened = true
		return &fakeSource{}, nil
	})
	if _, err := g.Next(ctx); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if opened {
		t.Fatal("stream must not be opened while the circuit is open")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close of unopened source: %v", err)
	}
}

func TestGuardedSource_EagerOpen(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	opens := 0
	g := Guard(e.b, func(context.Context) (domain.TokenSource, error) {
		opens++
		return &fakeSource{tokens: []string{"hi"}}, nil
	})
	if res := g.Open(ctx); !res.Success {
		t.Fatalf("open: %v", res.Err)
	}
	if res := g.Open(ctx); !res.Success {
		t.Fatalf("second open: %v", res.Err)
	}
	tok, err := g.Next(ctx)
	if err != nil || tok != "hi" {
		t.Fatalf("expected hi, got %q (%v)", tok, err)
	}
	if opens != 1 {
		t.Fatalf("expected one provider open, got %d", opens)
	}
	if st := e.state(t); st.TotalRequests != 1 {
		t.Fatalf("expected one request, got %d", st.TotalRequests)
	}
}

func TestNewRegistry_RejectsMissingJitter(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 0
	if _, err := NewRegistry(nil, testConfigs(cfg)); err == nil {
		t.Fatal("expected validation error for zero jitter")
	}
}
