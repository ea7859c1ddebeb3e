package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// AttemptState describes a failed attempt for wait-strategy computation.
// Attempt is 1-based and refers to the attempt that just failed.
type AttemptState struct {
	Attempt int
	Err     error
}

// WaitStrategy computes the delay before the next attempt.
type WaitStrategy func(AttemptState) time.Duration

// Policy controls retry behaviour for one operation. Retryable must be
// narrow: only transient throttling or overload errors should qualify.
type Policy struct {
	MaxAttempts int
	Retryable   func(error) bool
	Wait        WaitStrategy
}

// Run executes op up to MaxAttempts times. Before each attempt the caller
// is expected to have passed through a rate limiter (see llm.Invoker).
// A non-retryable failure, or exhaustion of attempts, propagates the last
// error unchanged. The op must be restartable: each invocation has to
// issue a fresh call rather than replay a half-consumed one.
func (p Policy) Run(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) || attempt == attempts {
			return lastErr
		}
		var delay time.Duration
		if p.Wait != nil {
			delay = p.Wait(AttemptState{Attempt: attempt, Err: lastErr})
		}
		if delay < 0 {
			delay = 0
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// ExpBackoff returns the classic exponential fallback strategy:
// base * 2^(attempt-1), capped at max and never negative.
func ExpBackoff(base, max time.Duration) WaitStrategy {
	return func(s AttemptState) time.Duration {
		d := time.Duration(float64(base) * math.Pow(2, float64(s.Attempt-1)))
		if d > max || d < 0 {
			d = max
		}
		return d
	}
}

// HintBackoff scales a server-suggested delay by 1.2^(attempt-1), adds up
// to 500ms of jitter and clamps the result to max.
func HintBackoff(hint time.Duration, attempt int, max time.Duration) time.Duration {
	d := time.Duration(float64(hint) * math.Pow(1.2, float64(attempt-1)))
	d += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	if d > max || d < 0 {
		d = max
	}
	return d
}
