package breaker

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// GuardedSource opens a token stream under the breaker on first Next and reports
// failures that happen after the stream was opened.
type GuardedSource struct {
	b    *Breaker
	open func(ctx context.Context) (domain.TokenSource, error)

	mu       sync.Mutex
	src      domain.TokenSource
	cancel   context.CancelFunc
	reported bool
}

// Guard wraps a lazily opened token source.
func Guard(b *Breaker, open func(ctx context.Context) (domain.TokenSource, error)) *GuardedSource {
	return &GuardedSource{b: b, open: open}
}

// Open opens the stream now instead of on first Next, so an open circuit can be
// reported before any output is written. Calling it again is a no-op.
func (g *GuardedSource) Open(ctx context.Context) Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openLocked(ctx)
}

func (g *GuardedSource) openLocked(ctx context.Context) Result {
	if g.src != nil {
		return Result{Success: true}
	}
	// The stream outlives the breaker's time box, so it gets its own context.
	streamCtx, cancel := context.WithCancel(ctx)
	src, res := Call(ctx, g.b, func(context.Context) (domain.TokenSource, error) {
		return g.open(streamCtx)
	}, nil)
	if !res.Success {
		cancel()
		return res
	}
	g.src, g.cancel = src, cancel
	return res
}

// Next returns the next token, opening the stream on first use.
func (g *GuardedSource) Next(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if res := g.openLocked(ctx); !res.Success {
		return "", res.Err
	}

	tok, err := g.src.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) && !g.reported {
		g.reported = true
		g.b.Report(ctx, err)
	}
	return tok, err //nolint:wrapcheck // io.EOF must pass through unwrapped
}

// Close closes the underlying stream, if opened.
func (g *GuardedSource) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.src == nil {
		return nil
	}
	err := g.src.Close()
	g.cancel()
	return err //nolint:wrapcheck // delegating
}
