package breaker

import (
	"context"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain/circuit"
)

// StateRepo persists shared breaker state. Counter methods must be atomic in the store.
type StateRepo interface {
	Load(ctx context.Context, providerKey string) (circuit.State, error)
	SavePhase(ctx context.Context, st circuit.State) error
	IncrFailure(ctx context.Context, providerKey string) (int64, error)
	IncrSuccess(ctx context.Context, providerKey string) (int64, error)
	RecordRequest(ctx context.Context, providerKey string, prevAvg, rt time.Duration) (int64, time.Duration, error)
	ClaimTrial(ctx context.Context, providerKey string, nextRetryAt time.Time) (bool, error)
}
