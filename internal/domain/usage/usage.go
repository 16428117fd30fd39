package usage

import (
	"time"

	"github.com/kailas-cloud/callguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/callguard/internal/domain/usage/metrics"
)

// Period is the aggregation granularity of spend ceilings and reports.
type Period string

// Aggregation period constants.
const (
	PeriodHour Period = "hour"
	PeriodDay  Period = "day"
)

// Duration returns the length of the period.
func (p Period) Duration() time.Duration {
	if p == PeriodDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Bounds returns the UTC bucket [start, end) containing t.
func (p Period) Bounds(t time.Time) (time.Time, time.Time) {
	start := t.UTC().Truncate(p.Duration())
	return start, start.Add(p.Duration())
}

// Report is a spend report for one subject and period.
type Report struct {
	period      Period
	periodStart int64
	periodEnd   int64
	userID      string
	metrics     metrics.Metrics
	budget      budget.Budget
}

// NewReport creates a usage report. An empty userID means the global scope.
func NewReport(period Period, start, end int64, userID string, m metrics.Metrics, b budget.Budget) Report {
	return Report{
		period:      period,
		periodStart: start,
		periodEnd:   end,
		userID:      userID,
		metrics:     m,
		budget:      b,
	}
}

// Period returns the aggregation granularity.
func (r *Report) Period() Period { return r.period }

// PeriodStart returns the period start timestamp (unix millis).
func (r *Report) PeriodStart() int64 { return r.periodStart }

// PeriodEnd returns the period end timestamp (unix millis).
func (r *Report) PeriodEnd() int64 { return r.periodEnd }

// UserID returns the subject, empty for the global scope.
func (r *Report) UserID() string { return r.userID }

// Metrics returns the usage metrics.
func (r *Report) Metrics() metrics.Metrics { return r.metrics }

// Budget returns the ceiling status.
func (r *Report) Budget() budget.Budget { return r.budget }
