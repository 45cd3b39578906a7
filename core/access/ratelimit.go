package access

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/juaninavos/jerseymarket/core/logger"
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per caller. Authenticated callers are keyed by their
// identity, anonymous callers by their remote address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter which allows requestsPerSecond with the given burst
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*keyedLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether a request for key may happen now
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		l = &keyedLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = time.Now()
	rl.mu.Unlock()
	return l.limiter.Allow()
}

// Cleanup forgets callers which have not been seen for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, l := range rl.limiters {
		if time.Since(l.lastSeen) > maxIdle {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// RequestKey returns the rate limiting key for a request
func RequestKey(r *http.Request) string {
	if identity := IdentityFromContext(r.Context()); len(identity) > 0 {
		return identity
	}
	if id, ok := AuthorizationFromContext(r.Context()).AccountID(); ok {
		return id.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler wraps a handler with rate limiting. Rejected requests receive http.StatusTooManyRequests.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := RequestKey(r)
		if !rl.Allow(key) {
			logger.FromContext(r.Context()).Warnf("rate limit exceeded for %s on %s", key, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandlerFunc is a convenience wrapper around Handler
func (rl *RateLimiter) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return rl.Handler(next).ServeHTTP
}
