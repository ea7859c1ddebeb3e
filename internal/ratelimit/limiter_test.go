package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the limiter deterministically: sleeps advance time
// instead of blocking.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestLimiter(t *testing.T, maxCalls int, window time.Duration) (*SlidingWindow, *fakeClock) {
	t.Helper()
	l, err := NewSlidingWindow(maxCalls, window)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}
	clk := newFakeClock()
	l.now = clk.now
	l.sleep = clk.sleep
	return l, clk
}

func TestSlidingWindowNeverExceedsQuota(t *testing.T) {
	t.Parallel()
	const (
		maxCalls = 5
		total    = 120
	)
	window := time.Second
	l, clk := newTestLimiter(t, maxCalls, window)

	grants := make([]time.Time, 0, total)
	for i := 0; i < total; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
		grants = append(grants, clk.now())
		// Occasionally advance time a little between calls.
		if i%7 == 0 {
			_ = clk.sleep(context.Background(), 50*time.Millisecond)
		}
	}

	for i, ti := range grants {
		inWindow := 0
		for _, tj := range grants {
			if !tj.After(ti) && tj.After(ti.Add(-window)) {
				inWindow++
			}
		}
		if inWindow > maxCalls {
			t.Fatalf("window ending at grant %d holds %d grants, want <= %d", i, inWindow, maxCalls)
		}
	}
}

func TestSlidingWindowBlocksUntilExpiry(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t, 2, time.Minute)
	start := clk.now()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if elapsed := clk.now().Sub(start); elapsed != 0 {
		t.Fatalf("first two acquires waited %s, want 0", elapsed)
	}
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := clk.now().Sub(start); elapsed < time.Minute {
		t.Fatalf("third acquire waited only %s, want >= 1m", elapsed)
	}
}

func TestSlidingWindowRespectsContext(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, 1, time.Hour)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestNewSlidingWindowValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewSlidingWindow(0, time.Second); err == nil {
		t.Fatal("expected error for max calls = 0")
	}
	if _, err := NewSlidingWindow(-3, time.Second); err == nil {
		t.Fatal("expected error for negative max calls")
	}
	if _, err := NewSlidingWindow(5, 0); err == nil {
		t.Fatal("expected error for zero window")
	}
}

func TestRegistryReusesLimiters(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	a, err := reg.Get("rpm:openai:gpt-4o:50", 50, time.Minute)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := reg.Get("rpm:openai:gpt-4o:50", 10, time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Fatal("expected the same limiter instance for the same key")
	}
	c, err := reg.Get("rpm:anthropic:claude:50", 50, time.Minute)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a == c {
		t.Fatal("expected distinct limiters for distinct keys")
	}
	if got := reg.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}
