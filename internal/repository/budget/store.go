package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kailas-cloud/callguard/internal/db"
)

// store is the consumer interface for spend counter operations (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
}

// Store keeps hot spend counters in the coordination store (INCRBY + GET with TTL).
type Store struct {
	store     store
	hourlyTTL time.Duration
	dailyTTL  time.Duration
}

// New creates a spend counter store.
// hourlyTTL is the TTL for hourly keys (recommended: 2h).
// dailyTTL is the TTL for daily keys (recommended: 48h).
func New(s store, hourlyTTL, dailyTTL time.Duration) *Store {
	return &Store{
		store:     s,
		hourlyTTL: hourlyTTL,
		dailyTTL:  dailyTTL,
	}
}

// IncrBy atomically increments the key value and sets TTL. Returns the new value.
func (s *Store) IncrBy(ctx context.Context, key string, val int64) (int64, error) {
	n, err := s.store.IncrBy(ctx, key, val)
	if err != nil {
		return 0, fmt.Errorf("spend INCRBY %s: %w", key, err)
	}

	// Set TTL only if the key has no expiry yet (NX, not reset on repeat).
	if err := s.store.Expire(ctx, key, s.ttlForKey(key), true); err != nil {
		return 0, fmt.Errorf("spend EXPIRE %s: %w", key, err)
	}

	return n, nil
}

// Get returns the current counter value. Returns 0 if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("spend GET %s: %w", key, err)
	}

	val, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("spend GET %s parse: %w", key, err)
	}
	return val, nil
}

// ttlForKey determines TTL based on the key format (hourly vs daily).
func (s *Store) ttlForKey(key string) time.Duration {
	// Keys follow the pattern callguard:spend:{scope}:hour:... or :day:...
	if strings.Contains(key, ":hour:") {
		return s.hourlyTTL
	}
	return s.dailyTTL
}
