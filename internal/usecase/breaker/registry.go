package breaker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/circuit"
)

// DefaultSnapshotTTL bounds the staleness of Snapshot.
const DefaultSnapshotTTL = time.Second

type deps struct {
	repo     StateRepo
	clk      clock.Clock
	rnd      func() float64
	ignore   func(error) bool
	cacheTTL time.Duration
	logger   *zap.Logger
}

// Option customizes a Registry.
type Option func(*deps)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(d *deps) { d.clk = c } }

// WithRand sets the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option { return func(d *deps) { d.rnd = f } }

// WithIgnore sets the predicate for errors that say nothing about provider health.
func WithIgnore(f func(error) bool) Option { return func(d *deps) { d.ignore = f } }

// WithSnapshotTTL sets the local snapshot cache lifetime.
func WithSnapshotTTL(ttl time.Duration) Option { return func(d *deps) { d.cacheTTL = ttl } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *deps) { d.logger = l } }

// IgnoreClientErrors skips non-retryable provider errors (4xx other than 429).
func IgnoreClientErrors(err error) bool {
	var pe *domain.ProviderError
	return errors.As(err, &pe) && !pe.Retryable()
}

// Registry owns one breaker per provider key.
type Registry struct {
	configs Configs
	deps    deps

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. Configs are validated up front.
func NewRegistry(repo StateRepo, configs Configs, opts ...Option) (*Registry, error) {
	if err := configs.Validate(); err != nil {
		return nil, err
	}
	d := deps{
		repo:     repo,
		clk:      clock.Real(),
		rnd:      rand.Float64,
		ignore:   IgnoreClientErrors,
		cacheTTL: DefaultSnapshotTTL,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(&d)
	}
	return &Registry{configs: configs, deps: d, breakers: make(map[string]*Breaker)}, nil
}

// For returns the breaker of provider+service, creating it on first use.
func (r *Registry) For(provider string, service domain.ServiceType) *Breaker {
	key := provider + ":" + string(service)

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, r.configs.For(service), r.deps)
	r.breakers[key] = b
	return b
}

// Snapshots returns the cached state of every known breaker, sorted by key.
func (r *Registry) Snapshots(ctx context.Context) []circuit.State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]circuit.State, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot(ctx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderKey < out[j].ProviderKey })
	return out
}
