package usage

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/domain"
	domusage "github.com/kailas-cloud/callguard/internal/domain/usage"
	"github.com/kailas-cloud/callguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/callguard/internal/domain/usage/metrics"
)

// Service handles usage reporting.
type Service struct {
	spend  SpendReader
	ledger LedgerReader
	clk    clock.Clock
}

// New creates a Service. clk defaults to the wall clock.
func New(spend SpendReader, ledger LedgerReader, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{spend: spend, ledger: ledger, clk: clk}
}

// GetReport builds a spend report for subject in the current period.
// The empty subject reports the global scope.
func (s *Service) GetReport(ctx context.Context, subject domain.Identity, period domusage.Period) (domusage.Report, error) {
	switch period {
	case domusage.PeriodHour, domusage.PeriodDay:
	default:
		return domusage.Report{}, fmt.Errorf("%w: unknown period %q", domain.ErrInvalidInput, period)
	}
	start, end := period.Bounds(s.clk.Now())

	totals, err := s.ledger.Sum(ctx, domusage.Filter{UserID: string(subject), Since: start, Until: end})
	if err != nil {
		return domusage.Report{}, fmt.Errorf("usage totals: %w", err)
	}

	// The hot counter leads the ledger by in-flight writes; prefer it.
	spent, err := s.spend.Spent(ctx, subject, period)
	if err != nil {
		spent = totals.CostMinor
	}

	b := budget.FromSpend(s.spend.Ceiling(subject, period), spent, end.UnixMilli())
	m := metrics.New(totals.Calls, totals.Units, spent)

	return domusage.NewReport(period, start.UnixMilli(), end.UnixMilli(), string(subject), m, b), nil
}
