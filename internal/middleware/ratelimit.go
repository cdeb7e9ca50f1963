// Package middleware provides HTTP middleware for the chat gateway API.
package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/metrics"
)

// RateLimiter provides per-participant rate limiting keyed by handle
type RateLimiter struct {
	limiters map[int64]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	endpoint string // metrics label
}

// NewRateLimiter creates a new rate limiter with the given requests per minute
func NewRateLimiter(endpoint string, requestsPerMin int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[int64]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMin) / 60.0), // Convert to per-second
		burst:    max(requestsPerMin/10, 5),                  // Burst of 10% or at least 5
		endpoint: endpoint,
	}
}

// getLimiter returns the rate limiter for a handle, creating one if needed
func (rl *RateLimiter) getLimiter(handle int64) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[handle]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = rl.limiters[handle]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[handle] = limiter
	return limiter
}

// Middleware returns an HTTP middleware that rate limits authenticated requests
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle, ok := auth.GetHandle(r.Context())
		if !ok {
			// Not authenticated, skip rate limiting (auth will fail anyway)
			next.ServeHTTP(w, r)
			return
		}

		if !rl.getLimiter(handle).Allow() {
			metrics.RateLimitHits.WithLabelValues(rl.endpoint).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded, please try again later"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup removes idle limiters (call periodically)
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// A limiter back at full burst has not been used recently
	for handle, limiter := range rl.limiters {
		if limiter.Tokens() >= float64(rl.burst) {
			delete(rl.limiters, handle)
		}
	}
}

// Len returns the number of tracked participants
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}
