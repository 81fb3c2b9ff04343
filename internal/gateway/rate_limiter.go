package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-connection token bucket ahead of method
// dispatch. Zero or negative RPM disables it.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rpm requests/minute per
// connection with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r != nil && r.rpm > 0 }

// Allow reports whether connection id may proceed with one more request.
func (r *RateLimiter) Allow(id string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	b, ok := r.buckets[id]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.buckets[id] = b
	}
	r.mu.Unlock()

	return b.Allow()
}

// Forget drops a connection's bucket after disconnect.
func (r *RateLimiter) Forget(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, id)
}
