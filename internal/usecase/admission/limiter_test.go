package admission

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/db/memory"
	"github.com/kailas-cloud/callguard/internal/repository/ratewindow"
)

func TestLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LimitConfig
		wantErr bool
	}{
		{"ok", LimitConfig{Points: 60, Duration: time.Minute, BlockDuration: time.Minute}, false},
		{"one point", LimitConfig{Points: 1, Duration: time.Minute, BlockDuration: time.Minute}, true},
		{"short block", LimitConfig{Points: 10, Duration: time.Minute, BlockDuration: time.Second}, true},
		{"no window", LimitConfig{Points: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLimitConfig_Strict(t *testing.T) {
	got := LimitConfig{Points: 5, Duration: time.Minute, BlockDuration: 90 * time.Second}.Strict()
	if got.Points != 2 || got.BlockDuration != 3*time.Minute || got.Duration != time.Minute {
		t.Errorf("Strict() = %+v", got)
	}
	if p := (LimitConfig{Points: 1}).Strict().Points; p != 1 {
		t.Errorf("floor = %d, want 1", p)
	}
}

func TestLimiter_WindowBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		points := rapid.Int64Range(2, 40).Draw(t, "points")
		requests := rapid.IntRange(1, 100).Draw(t, "requests")
		strict := rapid.Bool().Draw(t, "strict")

		cfg := LimitConfig{Points: points, Duration: time.Minute, BlockDuration: 2 * time.Minute}
		if strict {
			cfg = cfg.Strict()
		}
		clk := clock.NewManual(time.Unix(1_700_000_000, 0))
		l := &Limiter{name: "prop", cfg: cfg, repo: ratewindow.New(memory.NewStore(clk), "")}

		allowed := int64(0)
		for range requests {
			res, err := l.Consume(context.Background(), "k")
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if res.Allowed {
				allowed++
				continue
			}
			if res.RetryAfter < cfg.Duration {
				t.Fatalf("retry after %s below window %s", res.RetryAfter, cfg.Duration)
			}
		}
		want := min(int64(requests), cfg.Points)
		if allowed != want {
			t.Fatalf("allowed %d of %d with %d points", allowed, requests, cfg.Points)
		}
		if strict && cfg.Points*2 > points {
			t.Fatalf("strict points %d above half of %d", cfg.Points, points)
		}
	})
}

func TestLimiter_NewWindowAfterExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l, err := NewLimiter("t", LimitConfig{Points: 2, Duration: time.Minute, BlockDuration: time.Minute},
		ratewindow.New(memory.NewStore(clk), ""))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for range 2 {
		if res, _ := l.Consume(ctx, "k"); !res.Allowed {
			t.Fatal("rejected within budget")
		}
	}
	clk.Advance(61 * time.Second)
	res, err := l.Consume(ctx, "k")
	if err != nil || !res.Allowed || res.Remaining != 1 {
		t.Errorf("after window: %+v, %v", res, err)
	}
}
