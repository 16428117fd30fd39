package admission

import (
	"context"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain/usage"
)

// WindowRepo stores fixed-window counters and blocks.
type WindowRepo interface {
	BlockedFor(ctx context.Context, key string) (time.Duration, error)
	Hit(ctx context.Context, key string, points int64, window time.Duration) (int64, time.Duration, error)
	Block(ctx context.Context, key string, d time.Duration) error
}

// Ledger is the durable usage ledger.
type Ledger interface {
	GetOrCreateQuota(ctx context.Context, def usage.Quota) (usage.Quota, error)
	Sum(ctx context.Context, f usage.Filter) (usage.Totals, error)
	AppendCost(ctx context.Context, rec usage.CostRecord) error
	AppendViolation(ctx context.Context, v usage.Violation) error
}

// SpendCounters keeps hot spend counters in the coordination store.
type SpendCounters interface {
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// DegradedReporter tells whether shared state is served locally.
type DegradedReporter interface {
	Degraded() bool
}
