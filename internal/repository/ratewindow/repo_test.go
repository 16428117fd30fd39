package ratewindow

import (
	"context"
	"testing"
	"time"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/db/memory"
)

func newRepo() (*Repo, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	return New(memory.NewStore(clk), "callguard:"), clk
}

func TestHit_WindowDoesNotSlide(t *testing.T) {
	r, clk := newRepo()
	ctx := context.Background()

	n, left, err := r.Hit(ctx, "user1:llm", 1, time.Minute)
	if err != nil || n != 1 || left != time.Minute {
		t.Fatalf("first hit = %d, %v (%v)", n, left, err)
	}

	clk.Advance(40 * time.Second)
	n, left, _ = r.Hit(ctx, "user1:llm", 1, time.Minute)
	if n != 2 || left != 20*time.Second {
		t.Fatalf("second hit = %d, %v", n, left)
	}

	clk.Advance(20 * time.Second)
	n, _, _ = r.Hit(ctx, "user1:llm", 1, time.Minute)
	if n != 1 {
		t.Fatalf("expected fresh window, got %d", n)
	}
}

func TestBlock(t *testing.T) {
	r, clk := newRepo()
	ctx := context.Background()

	if d, _ := r.BlockedFor(ctx, "k"); d != 0 {
		t.Fatalf("expected not blocked, got %v", d)
	}
	if err := r.Block(ctx, "k", 2*time.Minute); err != nil {
		t.Fatalf("block: %v", err)
	}
	clk.Advance(30 * time.Second)
	if d, _ := r.BlockedFor(ctx, "k"); d != 90*time.Second {
		t.Fatalf("expected 90s, got %v", d)
	}
	clk.Advance(90 * time.Second)
	if d, _ := r.BlockedFor(ctx, "k"); d != 0 {
		t.Fatalf("expected block expired, got %v", d)
	}
}

func TestReset(t *testing.T) {
	r, _ := newRepo()
	ctx := context.Background()

	_, _, _ = r.Hit(ctx, "k", 5, time.Minute)
	_ = r.Block(ctx, "k", time.Minute)
	if err := r.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d, _ := r.BlockedFor(ctx, "k"); d != 0 {
		t.Fatal("expected block cleared")
	}
	if n, _, _ := r.Hit(ctx, "k", 1, time.Minute); n != 1 {
		t.Fatalf("expected counter cleared, got %d", n)
	}
}
