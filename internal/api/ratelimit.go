package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per key. A limit of n per minute allows
// bursts of n and refills at n/60 tokens per second.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates an empty RateLimiter. Call RunCleanup to evict idle keys.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]*limiterEntry)}
}

func (rl *RateLimiter) limiter(key string, perMinute int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)}
		rl.entries[key] = e
	}
	e.lastAccess = time.Now()
	return e.limiter
}

// Allow reports whether key may make another request under perMinute.
func (rl *RateLimiter) Allow(key string, perMinute int) bool {
	return rl.limiter(key, perMinute).Allow()
}

// retryAfter returns how long key must wait for its next token.
func (rl *RateLimiter) retryAfter(key string, perMinute int) time.Duration {
	r := rl.limiter(key, perMinute).Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

// RunCleanup evicts keys idle for more than two intervals until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(2 * interval)
		}
	}
}

func (rl *RateLimiter) cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	for k, e := range rl.entries {
		if e.lastAccess.Before(cutoff) {
			delete(rl.entries, k)
		}
	}
}

// rateLimited applies perMinute to the authenticated key. A non-positive
// limit disables limiting.
func (s *Server) rateLimited(perMinute int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if p == nil || perMinute <= 0 {
			next(w, r)
			return
		}
		key := fmt.Sprintf("%s/%d", p.KeyID, perMinute)
		if !s.limiter.Allow(key, perMinute) {
			wait := s.limiter.retryAfter(key, perMinute)
			logFor(r.Context()).Warn("rate limited", "key_id", p.KeyID, "path", r.URL.Path, "retry_after", wait)
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
