package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

// assertBoundary drives a strategy through the quota edge: limit admits,
// rejection of the next request with a positive retry hint, and a fresh
// admit once the window has passed. Window timestamps come from the Go
// clock, so the window passage is real elapsed time.
func assertBoundary(t *testing.T, l Limiter, limit int, window time.Duration) {
	t.Helper()
	ctx := context.Background()

	for i := 1; i <= limit; i++ {
		d, err := l.Admit(ctx, "cred-1", limit, window)
		if err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d of %d was rejected", i, limit)
		}
		if i == 1 && d.Remaining != limit-1 {
			t.Errorf("first admit remaining: got %d, want %d", d.Remaining, limit-1)
		}
	}

	d, err := l.Admit(ctx, "cred-1", limit, window)
	if err != nil {
		t.Fatalf("Admit over the limit failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("request %d was admitted over a limit of %d", limit+1, limit)
	}
	if d.Remaining != 0 {
		t.Errorf("rejection remaining: got %d, want 0", d.Remaining)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("rejection must carry a positive RetryAfter, got %v", d.RetryAfter)
	}
	if d.RetryAfterSeconds() < 1 {
		t.Errorf("rejection must render at least one second, got %d", d.RetryAfterSeconds())
	}

	time.Sleep(window + 150*time.Millisecond)

	d, err = l.Admit(ctx, "cred-1", limit, window)
	if err != nil {
		t.Fatalf("Admit after the window failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("request after the window was rejected: %+v", d)
	}
}

func TestFixedWindowBoundary(t *testing.T) {
	assertBoundary(t, NewFixedWindow(newTestRedis(t)), 5, 500*time.Millisecond)
}

func TestSlidingWindowBoundary(t *testing.T) {
	assertBoundary(t, NewSlidingWindow(newTestRedis(t)), 5, 500*time.Millisecond)
}

func TestLeakyBucketBoundary(t *testing.T) {
	assertBoundary(t, NewLeakyBucket(newTestRedis(t)), 5, 500*time.Millisecond)
}

func TestFixedWindowRejectionDoesNotHoldSlots(t *testing.T) {
	l := NewFixedWindow(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, err := l.Admit(ctx, "cred-1", 3, time.Minute); err != nil || !d.Allowed {
			t.Fatalf("admit %d: allowed=%v err=%v", i+1, d != nil && d.Allowed, err)
		}
	}
	// A burst of rejections must not extend the window by occupying ZSET
	// slots: each rejected timestamp is removed again.
	for i := 0; i < 5; i++ {
		d, err := l.Admit(ctx, "cred-1", 3, time.Minute)
		if err != nil {
			t.Fatalf("rejected admit errored: %v", err)
		}
		if d.Allowed {
			t.Fatalf("admit over the limit on attempt %d", i+1)
		}
	}

	count, err := l.rdb.ZCard(ctx, credKey("cred-1")).Result()
	if err != nil {
		t.Fatalf("ZCARD failed: %v", err)
	}
	if count != 3 {
		t.Errorf("rejected requests left members behind: ZCARD=%d, want 3", count)
	}
}

func TestSlidingWindowPartialRefill(t *testing.T) {
	l := NewSlidingWindow(newTestRedis(t))
	ctx := context.Background()
	window := 600 * time.Millisecond

	// Two early requests, then two late ones: once the early pair ages out,
	// exactly two slots free up while the late pair still counts.
	for i := 0; i < 2; i++ {
		if d, _ := l.Admit(ctx, "cred-1", 4, window); !d.Allowed {
			t.Fatalf("early admit %d rejected", i+1)
		}
	}
	time.Sleep(window / 2)
	for i := 0; i < 2; i++ {
		if d, _ := l.Admit(ctx, "cred-1", 4, window); !d.Allowed {
			t.Fatalf("late admit %d rejected", i+1)
		}
	}
	if d, _ := l.Admit(ctx, "cred-1", 4, window); d.Allowed {
		t.Fatalf("fifth request admitted with the window full")
	}

	time.Sleep(window/2 + 100*time.Millisecond)

	d, err := l.Admit(ctx, "cred-1", 4, window)
	if err != nil {
		t.Fatalf("Admit after partial refill failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("early slots should have aged out of the trailing window")
	}
}

func TestTieredBoundaryOverRedis(t *testing.T) {
	client := newTestRedis(t)
	l, err := New(AlgorithmTiered, client, Options{BurstLimit: 2, BurstWindow: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Admit(ctx, "cred-1", 100, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("burst admit %d: allowed=%v err=%v", i+1, d != nil && d.Allowed, err)
		}
	}

	d, err := l.Admit(ctx, "cred-1", 100, time.Minute)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("third request in the burst window was admitted")
	}
	if d.Limit != 2 {
		t.Errorf("burst rejection should carry the burst quota, got limit=%d", d.Limit)
	}
}
