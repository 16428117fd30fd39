package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/admission"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

var periods = []usage.Period{usage.PeriodHour, usage.PeriodDay}

// spendKey is {prefix}spend:{user:ID|global}:{hour|day}:{bucket start unix}.
func (c *Controller) spendKey(id domain.Identity, p usage.Period, bucket int64) string {
	scope := "global"
	if id != "" {
		scope = "user:" + string(id)
	}
	return fmt.Sprintf("%sspend:%s:%s:%s", c.prefix, scope, p, strconv.FormatInt(bucket, 10))
}

// Spent returns the spend of a scope in the current period bucket. The empty identity means global.
// The hot counter answers while the shared store is healthy and has seen every increment of the
// bucket; otherwise the ledger is summed.
func (c *Controller) Spent(ctx context.Context, id domain.Identity, p usage.Period) (int64, error) {
	now := c.clk.Now()
	start, end := p.Bounds(now)
	key := c.spendKey(id, p, start.Unix())

	if !c.isDegraded() && !c.isStale(key, now) {
		v, err := c.spend.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		c.logger.Warn("spend counter unavailable, summing ledger",
			zap.String("period", string(p)), zap.Error(err))
	}

	t, err := c.ledger.Sum(ctx, usage.Filter{UserID: string(id), Since: start, Until: end})
	if err != nil {
		return 0, fmt.Errorf("spend %s: %w", p, err)
	}
	return t.CostMinor, nil
}

func (c *Controller) isDegraded() bool {
	return c.degraded != nil && c.degraded.Degraded()
}

// markStale pins a bucket to the ledger until it ends.
func (c *Controller) markStale(key string, end time.Time) {
	now := c.clk.Now()
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	for k, e := range c.stale {
		if !now.Before(e) {
			delete(c.stale, k)
		}
	}
	c.stale[key] = end
}

func (c *Controller) isStale(key string, now time.Time) bool {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	end, ok := c.stale[key]
	return ok && now.Before(end)
}

// checkCost projects spend + estimate against every configured ceiling,
// user hourly, user daily, global hourly, global daily.
func (c *Controller) checkCost(ctx context.Context, id domain.Identity, s domain.ServiceType) *admission.Rejection {
	estimate := c.cfg.Pricing.For(s).Estimate
	now := c.clk.Now()

	scopes := []domain.Identity{""}
	if id != domain.Anonymous && id != "" {
		scopes = []domain.Identity{id, ""}
	}
	for _, scope := range scopes {
		global := scope == ""
		for _, p := range periods {
			limit := c.cfg.Ceilings.Limit(global, p)
			if limit <= 0 {
				continue
			}
			spent, err := c.Spent(ctx, scope, p)
			if err != nil {
				metrics.AdmissionFailOpenTotal.WithLabelValues("cost").Inc()
				c.logger.Warn("cost check skipped", zap.Error(err))
				continue
			}
			if spent+estimate <= limit {
				continue
			}
			reason := admission.CostLimitExceeded
			if global {
				reason = admission.GlobalCostLimitExceeded
			}
			_, end := p.Bounds(now)
			return &admission.Rejection{
				Reason:     reason,
				Service:    s,
				Limit:      limit,
				Current:    spent,
				RetryAfter: end.Sub(now),
				Detail:     periodDetail(p),
			}
		}
	}
	return nil
}

func periodDetail(p usage.Period) string {
	if p == usage.PeriodHour {
		return "hourly"
	}
	return "daily"
}
