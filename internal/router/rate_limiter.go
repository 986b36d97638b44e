package router

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter implements per-session inbound rate limiting
// ARCHITECTURAL DISCOVERY: Per-session token buckets with explicit Forget on close
// prevent memory leaks without a periodic sweep
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

// NewRateLimiter allows perSecond messages per session with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether the limiter ever rejects messages
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.limit > 0
}

// Allow checks if the session can send another message now
func (rl *RateLimiter) Allow(sessionID string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	limiter, exists := rl.clients[sessionID]
	if !exists {
		// FUNCTIONAL DISCOVERY: First message always allowed, bucket starts full
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.clients[sessionID] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the state kept for a session
func (rl *RateLimiter) Forget(sessionID string) {
	if !rl.Enabled() {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, sessionID)
}

// Tracked returns how many sessions currently have limiter state
func (rl *RateLimiter) Tracked() int {
	if rl == nil {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
