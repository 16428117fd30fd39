// Package ratewindow stores fixed-window rate limiter counters.
// Windows are ephemeral: they live only in the coordination store (or its local fallback).
package ratewindow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/callguard/internal/db"
)

// store is the consumer interface for window counters (ISP).
type store interface {
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Repo manages window and block keys.
type Repo struct {
	store  store
	prefix string
}

// New creates a rate window repository. prefix is prepended to every key.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix}
}

func (r *Repo) windowKey(key string) string { return r.prefix + "rl:" + key + ":win" }
func (r *Repo) blockKey(key string) string  { return r.prefix + "rl:" + key + ":block" }

// BlockedFor returns the remaining block time of key, zero when not blocked.
func (r *Repo) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.store.TTL(ctx, r.blockKey(key))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("rate block TTL %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Hit consumes points from the current window of key.
// Returns the consumed total and the time left until the window resets.
func (r *Repo) Hit(ctx context.Context, key string, points int64, window time.Duration) (int64, time.Duration, error) {
	wk := r.windowKey(key)
	n, err := r.store.IncrBy(ctx, wk, points)
	if err != nil {
		return 0, 0, fmt.Errorf("rate INCRBY %s: %w", key, err)
	}
	// The first hit opens the window; later hits must not extend it.
	if err := r.store.Expire(ctx, wk, window, true); err != nil {
		return 0, 0, fmt.Errorf("rate EXPIRE %s: %w", key, err)
	}
	left, err := r.store.TTL(ctx, wk)
	if err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return 0, 0, fmt.Errorf("rate TTL %s: %w", key, err)
	}
	if left <= 0 || left > window {
		left = window
	}
	return n, left, nil
}

// Block marks key as blocked for d.
func (r *Repo) Block(ctx context.Context, key string, d time.Duration) error {
	if err := r.store.SetWithTTL(ctx, r.blockKey(key), []byte("1"), d); err != nil {
		return fmt.Errorf("rate block %s: %w", key, err)
	}
	return nil
}

// Reset clears the window and block of key.
func (r *Repo) Reset(ctx context.Context, key string) error {
	if err := r.store.Del(ctx, r.windowKey(key)); err != nil {
		return fmt.Errorf("rate reset %s: %w", key, err)
	}
	if err := r.store.Del(ctx, r.blockKey(key)); err != nil {
		return fmt.Errorf("rate reset %s: %w", key, err)
	}
	return nil
}
