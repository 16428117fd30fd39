package health

import (
	"context"

	"github.com/kailas-cloud/callguard/internal/domain/circuit"
	"github.com/kailas-cloud/callguard/internal/domain/health"
)

// DBPinger checks database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// CoordinationReporter exposes the last coordination store health.
type CoordinationReporter interface {
	Current() health.Coordination
}

// BreakerReporter lists provider breaker snapshots.
type BreakerReporter interface {
	Snapshots(ctx context.Context) []circuit.State
}
