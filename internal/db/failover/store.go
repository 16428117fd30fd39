// Package failover routes coordination store operations between the shared
// store and a process-local fallback.
package failover

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/db"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

var _ db.Store = (*Store)(nil)

// Store sends every operation to primary while healthy and to fallback while degraded.
// A primary error on a single operation is answered by fallback, so limiting keeps
// working on a local approximation instead of being skipped.
type Store struct {
	primary  db.Store
	fallback db.Store
	degraded atomic.Bool
	logger   *zap.Logger
}

// New creates a failover store.
func New(primary, fallback db.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{primary: primary, fallback: fallback, logger: logger}
}

// SetDegraded switches routing. Called by the coordination health monitor.
func (s *Store) SetDegraded(degraded bool) {
	if s.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		metrics.CoordinationDegraded.Set(1)
		s.logger.Warn("coordination store degraded, serving shared state from local memory",
			zap.String("guarantee", "per-instance only"))
		return
	}
	metrics.CoordinationDegraded.Set(0)
	s.logger.Warn("coordination store recovered, routing back to shared store")
}

// Degraded reports whether operations are currently routed to the local fallback.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}


func route[T any](ctx context.Context, s *Store, op string, call func(db.Store) (T, error)) (T, error) {
	if s.degraded.Load() {
		return call(s.fallback)
	}
	v, err := call(s.primary)
	if err == nil || errors.Is(err, db.ErrKeyNotFound) || ctx.Err() != nil {
		return v, err
	}
	metrics.CoordinationFallbackOpsTotal.WithLabelValues(op).Inc()
	s.logger.Warn("coordination op failed, answered locally", zap.String("op", op), zap.Error(err))
	return call(s.fallback)
}

// Ping checks the primary store.
func (s *Store) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// Close closes both stores.
func (s *Store) Close() {
	s.primary.Close()
	s.fallback.Close()
}

// WaitForReady waits on the primary store.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return s.primary.WaitForReady(ctx, timeout)
}

// Get reads a value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return route(ctx, s, db.OpGet, func(st db.Store) ([]byte, error) {
		return st.Get(ctx, key)
	})
}

// SetWithTTL stores a value with expiration.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := route(ctx, s, db.OpSet, func(st db.Store) (struct{}, error) {
		return struct{}{}, st.SetWithTTL(ctx, key, value, ttl)
	})
	return err
}

// SetNX stores a value only when absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return route(ctx, s, db.OpSet, func(st db.Store) (bool, error) {
		return st.SetNX(ctx, key, value, ttl)
	})
}

// IncrBy increments a counter.
func (s *Store) IncrBy(ctx context.Context, key string, val int64) (int64, error) {
	return route(ctx, s, db.OpIncrBy, func(st db.Store) (int64, error) {
		return st.IncrBy(ctx, key, val)
	})
}

// Expire sets a TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error {
	_, err := route(ctx, s, db.OpExpire, func(st db.Store) (struct{}, error) {
		return struct{}{}, st.Expire(ctx, key, ttl, nx)
	})
	return err
}

// TTL returns the remaining lifetime of a key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return route(ctx, s, db.OpTTL, func(st db.Store) (time.Duration, error) {
		return st.TTL(ctx, key)
	})
}

// Del removes a key.
func (s *Store) Del(ctx context.Context, key string) error {
	_, err := route(ctx, s, db.OpDel, func(st db.Store) (struct{}, error) {
		return struct{}{}, st.Del(ctx, key)
	})
	return err
}

// HSet sets hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	_, err := route(ctx, s, db.OpHSet, func(st db.Store) (struct{}, error) {
		return struct{}{}, st.HSet(ctx, key, fields)
	})
	return err
}

// HGetAll reads a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return route(ctx, s, db.OpHGetAll, func(st db.Store) (map[string]string, error) {
		return st.HGetAll(ctx, key)
	})
}

// HIncrBy increments a hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, val int64) (int64, error) {
	return route(ctx, s, db.OpHIncrBy, func(st db.Store) (int64, error) {
		return st.HIncrBy(ctx, key, field, val)
	})
}
