package streaming

import (
	"context"

	"github.com/kailas-cloud/callguard/internal/domain/stream"
)

// Sink is the client connection of one stream.
// Send is never called after a terminal event; Close is called exactly once.
type Sink interface {
	Send(ctx context.Context, ev stream.Event) error
	Close() error
}
