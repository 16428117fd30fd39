// Package memory implements db.Store in process memory.
//
// It is the degraded-mode backend: counters and breaker state held here are
// local to one instance and carry no cross-instance guarantee.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/db"
)

var _ db.Store = (*Store)(nil)

type entry struct {
	value    []byte
	hash     map[string]string
	expireAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// sweepInterval bounds how long expired keys that are never read again stay in memory.
const sweepInterval = time.Minute

// Store is a map-backed db.Store with clock-driven expiry. Expired keys are dropped on
// lookup and by a full sweep that runs on write at most once per sweepInterval.
type Store struct {
	mu        sync.Mutex
	clk       clock.Clock
	entries   map[string]*entry
	lastSweep time.Time
	closed    bool
}

// NewStore creates an empty in-memory store.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{clk: clk, entries: make(map[string]*entry), lastSweep: clk.Now()}
}

// Ping reports ErrClosed after Close, nil otherwise.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &db.Error{Op: db.OpPing, Err: db.ErrClosed}
	}
	return nil
}

// Close drops all data.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
}

// WaitForReady returns immediately; memory is always ready.
func (s *Store) WaitForReady(ctx context.Context, _ time.Duration) error {
	return s.Ping(ctx)
}

// lookup returns a live entry, evicting it if expired. Caller holds mu.
func (s *Store) lookup(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.clk.Now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// sweep evicts every expired entry once sweepInterval has passed since the last sweep.
// Caller holds mu.
func (s *Store) sweep() {
	now := s.clk.Now()
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

func (s *Store) check(op string) error {
	if s.closed {
		return &db.Error{Op: op, Err: db.ErrClosed}
	}
	return nil
}

// Get retrieves a string value.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpGet); err != nil {
		return nil, err
	}
	e := s.lookup(key)
	if e == nil || e.hash != nil {
		return nil, db.ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// SetWithTTL stores a value that expires after ttl.
func (s *Store) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpSet); err != nil {
		return err
	}
	s.sweep()
	s.entries[key] = s.newValue(value, ttl)
	return nil
}

// SetNX stores a value only when the key is absent.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpSet); err != nil {
		return false, err
	}
	s.sweep()
	if s.lookup(key) != nil {
		return false, nil
	}
	s.entries[key] = s.newValue(value, ttl)
	return true, nil
}

func (s *Store) newValue(value []byte, ttl time.Duration) *entry {
	v := make([]byte, len(value))
	copy(v, value)
	e := &entry{value: v}
	if ttl > 0 {
		e.expireAt = s.clk.Now().Add(ttl)
	}
	return e
}

// IncrBy increments an integer value, creating it at zero when missing.
func (s *Store) IncrBy(_ context.Context, key string, val int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpIncrBy); err != nil {
		return 0, err
	}
	s.sweep()
	e := s.lookup(key)
	if e == nil {
		e = &entry{value: []byte("0")}
		s.entries[key] = e
	}
	if e.hash != nil {
		return 0, &db.Error{Op: db.OpIncrBy, Err: fmt.Errorf("key %s holds a hash", key)}
	}
	cur, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, &db.Error{Op: db.OpIncrBy, Err: fmt.Errorf("value is not an integer: %w", err)}
	}
	cur += val
	e.value = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

// Expire sets a TTL. With nx=true an existing TTL is left untouched.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration, nx bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpExpire); err != nil {
		return err
	}
	e := s.lookup(key)
	if e == nil {
		return nil
	}
	if nx && !e.expireAt.IsZero() {
		return nil
	}
	e.expireAt = s.clk.Now().Add(ttl)
	return nil
}

// TTL returns the remaining lifetime of a key.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpTTL); err != nil {
		return 0, err
	}
	e := s.lookup(key)
	if e == nil {
		return 0, db.ErrKeyNotFound
	}
	if e.expireAt.IsZero() {
		return -1, nil
	}
	return e.expireAt.Sub(s.clk.Now()), nil
}

// Del removes a key of any type.
func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpDel); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

// HSet sets hash fields, creating the hash when missing.
func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpHSet); err != nil {
		return err
	}
	s.sweep()
	e, err := s.hashEntry(db.OpHSet, key)
	if err != nil {
		return err
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	return nil
}

// HGetAll returns a copy of all hash fields. Missing keys yield an empty map.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpHGetAll); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	e := s.lookup(key)
	if e == nil {
		return out, nil
	}
	if e.hash == nil {
		return nil, &db.Error{Op: db.OpHGetAll, Err: fmt.Errorf("key %s is not a hash", key)}
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

// HIncrBy increments an integer hash field.
func (s *Store) HIncrBy(_ context.Context, key, field string, val int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(db.OpHIncrBy); err != nil {
		return 0, err
	}
	s.sweep()
	e, err := s.hashEntry(db.OpHIncrBy, key)
	if err != nil {
		return 0, err
	}
	var cur int64
	if raw, ok := e.hash[field]; ok {
		cur, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, &db.Error{Op: db.OpHIncrBy, Err: fmt.Errorf("field %s is not an integer: %w", field, err)}
		}
	}
	cur += val
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *Store) hashEntry(op, key string) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		e = &entry{hash: make(map[string]string)}
		s.entries[key] = e
		return e, nil
	}
	if e.hash == nil {
		return nil, &db.Error{Op: op, Err: fmt.Errorf("key %s is not a hash", key)}
	}
	return e, nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		n++
	}
	return n
}
