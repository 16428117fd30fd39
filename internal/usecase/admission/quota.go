package admission

import (
	"context"

	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/admission"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

// checkQuota meters the service against the caller's durable quota.
// Ledger failures skip the check; limiters and cost ceilings still apply.
func (c *Controller) checkQuota(ctx context.Context, id domain.Identity, s domain.ServiceType) *admission.Rejection {
	if id == domain.Anonymous || id == "" {
		return nil
	}
	now := c.clk.Now()

	q, err := c.ledger.GetOrCreateQuota(ctx, usage.Quota{
		UserID:      string(id),
		Tier:        c.cfg.DefaultTier,
		Limits:      c.cfg.Tiers[c.cfg.DefaultTier],
		PeriodStart: usage.WindowMonth.Start(now),
	})
	if err != nil {
		c.failOpen("quota", err)
		return nil
	}

	check := q.CheckFor(s)
	if check.Unlimited() {
		return nil
	}

	totals, err := c.ledger.Sum(ctx, usage.Filter{
		UserID:  string(id),
		Service: s,
		Since:   check.Window.Start(now),
		Until:   check.Window.End(now),
	})
	if err != nil {
		c.failOpen("quota", err)
		return nil
	}

	used := totals.Calls
	if check.Measure == usage.MeasureUnits {
		used = ceilDiv(totals.Units, check.UnitDivisor)
	}
	if used < check.Limit {
		return nil
	}
	return &admission.Rejection{
		Reason:     admission.QuotaExceeded,
		Service:    s,
		Limit:      check.Limit,
		Current:    used,
		RetryAfter: check.Window.End(now).Sub(now),
		Detail:     check.Name,
	}
}

func (c *Controller) failOpen(check string, err error) {
	metrics.AdmissionFailOpenTotal.WithLabelValues(check).Inc()
	c.logger.Warn("usage ledger unavailable, check skipped", zap.String("check", check), zap.Error(err))
}

func ceilDiv(a, b int64) int64 {
	if b <= 1 {
		return a
	}
	return (a + b - 1) / b
}
