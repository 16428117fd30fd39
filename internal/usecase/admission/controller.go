// Package admission decides whether a request may proceed to a provider.
package admission

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
	"github.com/kailas-cloud/callguard/internal/domain/admission"
	"github.com/kailas-cloud/callguard/internal/domain/health"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

// Retry hint when the limiter store itself failed.
const unavailableRetry = time.Second

// Config is the admission policy.
type Config struct {
	Limits      Limits
	Tiers       Tiers
	DefaultTier usage.Tier
	Ceilings    Ceilings
	Pricing     Pricing
}

// Validate checks the policy.
func (c Config) Validate() error {
	var errs []error
	if err := c.Limits.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		errs = append(errs, fmt.Errorf("default tier %q has no limits", c.DefaultTier))
	}
	if err := c.Ceilings.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Pricing.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefaultConfig returns the stock policy with ceilings disabled.
func DefaultConfig() Config {
	return Config{
		Limits:      DefaultLimits(),
		Tiers:       DefaultTiers(),
		DefaultTier: usage.TierFree,
		Pricing:     DefaultPricing(),
	}
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed   bool
	Rejection *admission.Rejection
	Mode      health.Mode
	Degraded  bool
}

// Err returns the rejection as an error, nil when allowed.
func (d Decision) Err() error {
	if d.Allowed || d.Rejection == nil {
		return nil
	}
	return d.Rejection
}

// Usage is a completed provider call to be billed.
type Usage struct {
	Identity   domain.Identity
	Service    domain.ServiceType
	Units      int64
	IsFallback bool
}

type limiterSet struct {
	mode     health.Mode
	global   *Limiter
	services map[domain.ServiceType]*Limiter
}

type requestContextKey struct{}

// WithRequestContext attaches fields recorded with any violation of this request.
func WithRequestContext(ctx context.Context, fields map[string]any) context.Context {
	return context.WithValue(ctx, requestContextKey{}, fields)
}

func requestContext(ctx context.Context) map[string]any {
	m, _ := ctx.Value(requestContextKey{}).(map[string]any)
	return m
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(ctl *Controller) { ctl.clk = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(ctl *Controller) { ctl.logger = l } }

// WithDegradedReporter reports whether limiter state is served by the local store.
func WithDegradedReporter(r DegradedReporter) Option {
	return func(ctl *Controller) { ctl.degraded = r }
}

// WithKeyPrefix sets the coordination key prefix of spend counters.
func WithKeyPrefix(p string) Option { return func(ctl *Controller) { ctl.prefix = p } }

// Controller runs the admission checks: global limiter, service limiter, quota, cost.
type Controller struct {
	cfg      Config
	windows  WindowRepo
	ledger   Ledger
	spend    SpendCounters
	degraded DegradedReporter
	clk      clock.Clock
	logger   *zap.Logger
	prefix   string

	mu  sync.Mutex // serializes limiter rebuilds
	set atomic.Pointer[limiterSet]

	staleMu sync.Mutex
	stale   map[string]time.Time // spend keys that missed an increment, by bucket end
}

// New creates a controller in normal mode.
func New(windows WindowRepo, ledger Ledger, spend SpendCounters, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("admission config: %w", err)
	}
	c := &Controller{
		cfg:     cfg,
		windows: windows,
		ledger:  ledger,
		spend:   spend,
		clk:     clock.Real(),
		logger:  zap.NewNop(),
		prefix:  "callguard:",
		stale:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(c)
	}
	set, err := c.build(health.Normal)
	if err != nil {
		return nil, err
	}
	c.set.Store(set)
	return c, nil
}

func (c *Controller) build(mode health.Mode) (*limiterSet, error) {
	limits := c.cfg.Limits
	if mode == health.Strict {
		limits = limits.Strict()
	}
	global, err := newLimiterUnchecked("global", limits.Global, c.windows)
	if err != nil {
		return nil, err
	}
	set := &limiterSet{mode: mode, global: global, services: make(map[domain.ServiceType]*Limiter, len(domain.ServiceTypes))}
	for _, s := range domain.ServiceTypes {
		l, err := newLimiterUnchecked(string(s), limits.For(s), c.windows)
		if err != nil {
			return nil, err
		}
		set.services[s] = l
	}
	return set, nil
}

// newLimiterUnchecked builds a limiter from a validated base config.
// Strict configs may drop to a single point, which Validate would refuse.
func newLimiterUnchecked(name string, cfg LimitConfig, repo WindowRepo) (*Limiter, error) {
	if cfg.Points < 1 || cfg.Duration <= 0 || cfg.BlockDuration < cfg.Duration {
		return nil, fmt.Errorf("limiter %s: invalid config", name)
	}
	return &Limiter{name: name, cfg: cfg, repo: repo}, nil
}

// Mode returns the effective limiter mode.
func (c *Controller) Mode() health.Mode { return c.set.Load().mode }

// Effective returns the limiter configs currently enforced.
func (c *Controller) Effective() (health.Mode, LimitConfig, map[domain.ServiceType]LimitConfig) {
	set := c.set.Load()
	out := make(map[domain.ServiceType]LimitConfig, len(set.services))
	for s, l := range set.services {
		out[s] = l.Config()
	}
	return set.mode, set.global.Config(), out
}

// SetMode rebuilds every limiter for mode. In-flight Admit calls keep the set they loaded.
func (c *Controller) SetMode(mode health.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.set.Load()
	if cur.mode == mode {
		return nil
	}
	set, err := c.build(mode)
	if err != nil {
		return err
	}
	c.set.Store(set)
	c.logger.Warn("admission limiter mode changed",
		zap.String("from", string(cur.mode)),
		zap.String("to", string(mode)),
		zap.Int64("global_points", set.global.Config().Points),
	)
	return nil
}

// OnHealthChanged applies the mode of a coordination health update.
func (c *Controller) OnHealthChanged(h health.Coordination) {
	if h.Mode == "" {
		return
	}
	if err := c.SetMode(h.Mode); err != nil {
		c.logger.Error("limiter rebuild failed", zap.Error(err))
	}
}

// Admit runs the checks in order and returns the first rejection.
func (c *Controller) Admit(ctx context.Context, id domain.Identity, s domain.ServiceType) Decision {
	if id == "" {
		id = domain.Anonymous
	}
	set := c.set.Load()
	d := Decision{Mode: set.mode, Degraded: c.isDegraded()}

	rej := c.checkLimiter(ctx, set.global, "global", admission.GlobalRateLimit, s)
	if rej == nil {
		rej = c.checkLimiter(ctx, set.services[s], string(id)+":"+string(s), admission.ServiceRateLimit, s)
	}
	if rej == nil {
		rej = c.checkQuota(ctx, id, s)
	}
	if rej == nil {
		rej = c.checkCost(ctx, id, s)
	}

	if rej == nil {
		d.Allowed = true
		metrics.AdmissionDecisionsTotal.WithLabelValues(string(s), "allowed").Inc()
		return d
	}

	d.Rejection = rej
	metrics.AdmissionDecisionsTotal.WithLabelValues(string(s), string(rej.Reason)).Inc()
	c.logger.Info("request rejected",
		zap.String("identity", string(id)),
		zap.String("service", string(s)),
		zap.String("reason", string(rej.Reason)),
		zap.String("detail", rej.Detail),
		zap.Duration("retry_after", rej.RetryAfter),
	)
	c.audit(ctx, id, d)
	return d
}

func (c *Controller) checkLimiter(
	ctx context.Context, l *Limiter, key string, reason admission.Reason, s domain.ServiceType,
) *admission.Rejection {
	res, err := l.Consume(ctx, key)
	if err != nil {
		// Both stores failed. Limiting is never silently disabled.
		c.logger.Error("limiter unavailable, rejecting", zap.String("limiter", l.name), zap.Error(err))
		return &admission.Rejection{
			Reason:     reason,
			Service:    s,
			Limit:      l.cfg.Points,
			RetryAfter: unavailableRetry,
			Detail:     "limiter_unavailable",
		}
	}
	if res.Allowed {
		return nil
	}
	return &admission.Rejection{
		Reason:     reason,
		Service:    s,
		Limit:      l.cfg.Points,
		Current:    res.Consumed,
		RetryAfter: res.RetryAfter,
	}
}

func (c *Controller) audit(ctx context.Context, id domain.Identity, d Decision) {
	rej := d.Rejection
	fields := map[string]any{"mode": string(d.Mode), "degraded": d.Degraded}
	for k, v := range requestContext(ctx) {
		fields[k] = v
	}
	userID := ""
	if id != domain.Anonymous {
		userID = string(id)
	}
	v := usage.Violation{
		UserID:     userID,
		Service:    rej.Service,
		Reason:     string(rej.Reason),
		Detail:     rej.Detail,
		Limit:      rej.Limit,
		Current:    rej.Current,
		RetryAfter: rej.RetryAfter,
		Context:    fields,
		CreatedAt:  c.clk.Now(),
	}
	if err := c.ledger.AppendViolation(context.WithoutCancel(ctx), v); err != nil {
		c.logger.Warn("violation not recorded", zap.String("reason", v.Reason), zap.Error(err))
	}
}

// RecordUsage bills a completed call. Fallback-served calls are never billed.
func (c *Controller) RecordUsage(ctx context.Context, u Usage) error {
	if u.IsFallback {
		return nil
	}
	if u.Identity == "" {
		u.Identity = domain.Anonymous
	}
	ctx = context.WithoutCancel(ctx)
	now := c.clk.Now()
	cost := c.cfg.Pricing.For(u.Service).Cost(u.Units)

	metrics.ProviderUnitsTotal.WithLabelValues(string(u.Service)).Add(float64(u.Units))
	metrics.ProviderCostMinorTotal.WithLabelValues(string(u.Service)).Add(float64(cost))

	userID := ""
	if u.Identity != domain.Anonymous {
		userID = string(u.Identity)
	}
	rec := usage.CostRecord{UserID: userID, Service: u.Service, CostMinor: cost, Units: u.Units, CreatedAt: now}
	if err := c.ledger.AppendCost(ctx, rec); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if cost == 0 {
		return nil
	}

	scopes := []domain.Identity{""}
	if userID != "" {
		scopes = append(scopes, u.Identity)
	}
	for _, scope := range scopes {
		for _, p := range periods {
			start, end := p.Bounds(now)
			key := c.spendKey(scope, p, start.Unix())
			if c.isDegraded() {
				// Local counters would be lost on recovery; the ledger answers for this bucket.
				c.markStale(key, end)
				continue
			}
			n, err := c.spend.IncrBy(ctx, key, cost)
			if err != nil {
				c.markStale(key, end)
				c.logger.Warn("spend counter not updated", zap.String("period", string(p)), zap.Error(err))
				continue
			}
			if scope == "" {
				if limit := c.cfg.Ceilings.Limit(true, p); limit > 0 {
					metrics.CostCeilingRemaining.WithLabelValues(string(p)).Set(float64(max(limit-n, 0)))
				}
			}
		}
	}
	return nil
}

// Ceiling returns the configured ceiling for a scope. The empty identity means global.
func (c *Controller) Ceiling(id domain.Identity, p usage.Period) int64 {
	return c.cfg.Ceilings.Limit(id == "", p)
}
