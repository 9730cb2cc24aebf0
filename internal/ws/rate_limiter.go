package ws

import (
	"sync"
	"time"
)

// RateLimiter bounds how many inbound events a single connection may
// originate per minute window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*window
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing limit events per minute per
// connection.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		windows: make(map[string]*window),
	}
}

// Allow records one inbound event for the connection and reports whether
// it is within the current window's budget.
func (rl *RateLimiter) Allow(connID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	w, exists := rl.windows[connID]
	if !exists || now.Sub(w.start) >= time.Minute {
		rl.windows[connID] = &window{count: 1, start: now}
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops a connection's window. Called on teardown so the map does
// not grow with connection churn.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, connID)
}
