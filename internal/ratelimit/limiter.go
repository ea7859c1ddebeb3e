package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// waitCushion is added to every capacity wait so callers do not thrash
// the lock right at the window boundary.
const waitCushion = 10 * time.Millisecond

// SlidingWindow admits at most maxCalls events within any trailing window.
// Safe for concurrent use by any number of goroutines. There is no upper
// bound on how long Acquire can block; callers needing liveness guarantees
// must pass a context with a deadline.
type SlidingWindow struct {
	maxCalls int
	window   time.Duration

	mu     sync.Mutex
	events []time.Time

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSlidingWindow builds a limiter admitting maxCalls per window.
func NewSlidingWindow(maxCalls int, window time.Duration) (*SlidingWindow, error) {
	if maxCalls <= 0 {
		return nil, fmt.Errorf("ratelimit: max calls must be > 0, got %d", maxCalls)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be > 0, got %s", window)
	}
	return &SlidingWindow{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// Acquire blocks until admitting one more call would not exceed the quota,
// records the call and returns. It returns early only when ctx is done.
func (l *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		boundary := now.Add(-l.window)
		idx := 0
		for idx < len(l.events) && !l.events[idx].After(boundary) {
			idx++
		}
		if idx > 0 {
			l.events = append(l.events[:0], l.events[idx:]...)
		}

		if len(l.events) < l.maxCalls {
			l.events = append(l.events, now)
			l.mu.Unlock()
			return nil
		}

		// Wait until the oldest event falls out of the window. The sleep
		// happens outside the lock so other callers can proceed.
		wait := l.events[0].Add(l.window).Sub(now) + waitCushion
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Granted reports the number of events currently inside the window.
func (l *SlidingWindow) Granted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	boundary := l.now().Add(-l.window)
	n := 0
	for _, ev := range l.events {
		if ev.After(boundary) {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
