package usage

import (
	"context"

	"github.com/kailas-cloud/callguard/internal/domain"
	domusage "github.com/kailas-cloud/callguard/internal/domain/usage"
)

// SpendReader provides read-only access to spend counters and ceilings.
// The empty identity is the global scope.
type SpendReader interface {
	Spent(ctx context.Context, id domain.Identity, p domusage.Period) (int64, error)
	Ceiling(id domain.Identity, p domusage.Period) int64
}

// LedgerReader aggregates cost records.
type LedgerReader interface {
	Sum(ctx context.Context, f domusage.Filter) (domusage.Totals, error)
}
