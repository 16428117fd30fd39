// Package admission holds the admission rejection taxonomy.
package admission

import (
	"fmt"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// Reason classifies a rejected admission.
type Reason string

// Rejection reasons, in check order.
const (
	GlobalRateLimit         Reason = "global_rate_limit"
	ServiceRateLimit        Reason = "service_rate_limit"
	QuotaExceeded           Reason = "quota_exceeded"
	CostLimitExceeded       Reason = "cost_limit_exceeded"
	GlobalCostLimitExceeded Reason = "global_cost_limit_exceeded"
)

// Sentinel maps a reason to its domain error.
func (r Reason) Sentinel() error {
	switch r {
	case GlobalRateLimit, ServiceRateLimit:
		return domain.ErrRateLimited
	case QuotaExceeded:
		return domain.ErrQuotaExceeded
	case CostLimitExceeded, GlobalCostLimitExceeded:
		return domain.ErrCostLimitExceeded
	}
	return domain.ErrRateLimited
}

// Rejection describes why a request was not admitted and when it may be retried.
type Rejection struct {
	Reason     Reason
	Service    domain.ServiceType
	Limit      int64
	Current    int64
	RetryAfter time.Duration
	// Detail names the exhausted limit, e.g. "daily_voice_minutes" or "hourly".
	Detail string
}

func (r *Rejection) Error() string {
	msg := fmt.Sprintf("%s: %s (%s)", r.Reason.Sentinel().Error(), r.Reason, r.Service)
	if r.Detail != "" {
		msg += " " + r.Detail
	}
	return fmt.Sprintf("%s: %d/%d", msg, r.Current, r.Limit)
}

// Unwrap returns the domain sentinel for the reason.
func (r *Rejection) Unwrap() error { return r.Reason.Sentinel() }
