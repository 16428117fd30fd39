package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/db"
)

func newTestStore() (*Store, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	return NewStore(clk), clk
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestSetWithTTL_Expires(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()

	if err := s.SetWithTTL(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected v, got %q (%v)", got, err)
	}

	clk.Advance(time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestSetNX(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()

	ok, _ := s.SetNX(ctx, "lock", []byte("a"), time.Second)
	if !ok {
		t.Fatal("first SetNX should win")
	}
	ok, _ = s.SetNX(ctx, "lock", []byte("b"), time.Second)
	if ok {
		t.Fatal("second SetNX should lose")
	}

	clk.Advance(2 * time.Second)
	ok, _ = s.SetNX(ctx, "lock", []byte("c"), time.Second)
	if !ok {
		t.Fatal("SetNX after expiry should win")
	}
}

func TestSetNX_SingleWinnerUnderContention(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetNX(ctx, "claim", []byte("1"), time.Minute); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestIncrBy_AndExpireNX(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "c", 3)
	if err != nil || n != 3 {
		t.Fatalf("expected 3, got %d (%v)", n, err)
	}
	if err := s.Expire(ctx, "c", 10*time.Second, true); err != nil {
		t.Fatalf("expire: %v", err)
	}

	clk.Advance(5 * time.Second)
	n, _ = s.IncrBy(ctx, "c", 2)
	if n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
	// NX keeps the original deadline.
	_ = s.Expire(ctx, "c", 10*time.Second, true)
	ttl, _ := s.TTL(ctx, "c")
	if ttl != 5*time.Second {
		t.Fatalf("expected ttl 5s, got %v", ttl)
	}

	clk.Advance(5 * time.Second)
	n, _ = s.IncrBy(ctx, "c", 1)
	if n != 1 {
		t.Fatalf("expected counter reset after expiry, got %d", n)
	}
}

func TestIncrBy_NonInteger(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_ = s.SetWithTTL(ctx, "k", []byte("abc"), time.Minute)
	if _, err := s.IncrBy(ctx, "k", 1); err == nil {
		t.Fatal("expected error for non-integer value")
	}
}

func TestTTL(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if _, err := s.TTL(ctx, "missing"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	_, _ = s.IncrBy(ctx, "persistent", 1)
	ttl, err := s.TTL(ctx, "persistent")
	if err != nil || ttl >= 0 {
		t.Fatalf("expected negative ttl for key without expiry, got %v (%v)", ttl, err)
	}
}

func TestHash(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	m, err := s.HGetAll(ctx, "h")
	if err != nil || len(m) != 0 {
		t.Fatalf("expected empty map, got %v (%v)", m, err)
	}

	_ = s.HSet(ctx, "h", map[string]string{"phase": "closed"})
	n, err := s.HIncrBy(ctx, "h", "failures", 2)
	if err != nil || n != 2 {
		t.Fatalf("expected 2, got %d (%v)", n, err)
	}

	m, _ = s.HGetAll(ctx, "h")
	if m["phase"] != "closed" || m["failures"] != "2" {
		t.Fatalf("unexpected hash: %v", m)
	}

	// Returned map is a copy.
	m["phase"] = "open"
	m2, _ := s.HGetAll(ctx, "h")
	if m2["phase"] != "closed" {
		t.Fatal("HGetAll must return a copy")
	}

	_ = s.Del(ctx, "h")
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d keys", s.Len())
	}
}

func TestHSet_WrongType(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, _ = s.IncrBy(ctx, "k", 1)
	if err := s.HSet(ctx, "k", map[string]string{"a": "b"}); err == nil {
		t.Fatal("expected wrong type error")
	}
}

func TestClose(t *testing.T) {
	s, _ := newTestStore()
	s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, db.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.IncrBy(context.Background(), "k", 1); !errors.Is(err, db.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSweep_EvictsUnreadExpiredKeysOnWrite(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()

	for i := range 100 {
		if _, err := s.IncrBy(ctx, fmt.Sprintf("rl:user-%d", i), 1); err != nil {
			t.Fatalf("incr: %v", err)
		}
		if err := s.Expire(ctx, fmt.Sprintf("rl:user-%d", i), 10*time.Second, true); err != nil {
			t.Fatalf("expire: %v", err)
		}
	}
	if err := s.SetWithTTL(ctx, "breaker:llm", []byte("open"), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Expired but not yet swept: nothing reads these keys again.
	clk.Advance(30 * time.Second)
	if _, err := s.IncrBy(ctx, "rl:other", 1); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n := len(s.entries); n != 102 {
		t.Fatalf("expected no sweep before the interval, got %d entries", n)
	}

	clk.Advance(sweepInterval)
	if err := s.HSet(ctx, "cb:tts", map[string]string{"state": "closed"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	// Live: breaker:llm, rl:other, cb:tts.
	if n := len(s.entries); n != 3 {
		t.Fatalf("expected sweep to leave 3 live entries, got %d", n)
	}
}
