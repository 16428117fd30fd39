package breaker

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestBackoff_Table(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: time.Second}
	zero := func() float64 { return 0 }

	tests := []struct {
		failures int64
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{1 << 40, 30 * time.Second},
	}
	for _, tc := range tests {
		if got := Backoff(cfg, tc.failures, zero); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestBackoff_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, 10_000).Draw(rt, "base_ms")) * time.Millisecond
		maxDelay := base * time.Duration(rapid.Int64Range(1, 1_000).Draw(rt, "max_factor"))
		jitter := time.Duration(rapid.Int64Range(1, 5_000).Draw(rt, "jitter_ms")) * time.Millisecond
		cfg := Config{BaseDelay: base, MaxDelay: maxDelay, Jitter: jitter}

		n := rapid.Int64Range(0, 80).Draw(rt, "failures")
		r := rapid.Float64Range(0, 0.999999).Draw(rt, "rand")
		zero := func() float64 { return 0 }

		lo := Backoff(cfg, n, zero)
		hi := Backoff(cfg, n+1, zero)
		if hi < lo {
			rt.Fatalf("backoff decreased: %v -> %v", lo, hi)
		}
		if lo > maxDelay {
			rt.Fatalf("backoff %v above max %v", lo, maxDelay)
		}

		withJitter := Backoff(cfg, n, func() float64 { return r })
		if added := withJitter - lo; added < 0 || added >= jitter {
			rt.Fatalf("jitter %v outside [0, %v)", added, jitter)
		}
	})
}
