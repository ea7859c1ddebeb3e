package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Registry holds one limiter per logical quota key for the process
// lifetime. Limiters are created lazily on first lookup and reused for
// every subsequent call with the same key; they are never destroyed.
//
// The registry is constructed once at wiring time and passed explicitly
// to every component needing admission control.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*SlidingWindow
}

// NewRegistry builds an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*SlidingWindow)}
}

// Get returns the limiter registered under key, creating it with the
// given parameters on first use. Parameters are fixed at creation; later
// calls with a different maxCalls/window for the same key return the
// original limiter.
func (r *Registry) Get(key string, maxCalls int, window time.Duration) (*SlidingWindow, error) {
	if key == "" {
		return nil, fmt.Errorf("ratelimit: registry key must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l, nil
	}
	l, err := NewSlidingWindow(maxCalls, window)
	if err != nil {
		return nil, err
	}
	r.limiters[key] = l
	return l, nil
}

// Len reports how many limiters are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
