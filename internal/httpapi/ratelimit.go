package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an unused per-key limiter is kept.
const DefaultIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per key. Buckets idle for longer
// than the idle TTL are dropped on the next sweep, so a key that comes back
// starts with a full burst.
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
	limits    map[string]*limiterEntry
}

// NewRateLimiter allows perSecond requests per key with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
		limits:  make(map[string]*limiterEntry),
	}
}

func (rl *RateLimiter) getLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		rl.sweep(now)
	}

	if e, ok := rl.limits[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	e := &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now}
	rl.limits[key] = e
	return e.limiter
}

// sweep drops idle limiters. rl.mu must be held.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, e := range rl.limits {
		if now.Sub(e.lastSeen) >= rl.idleTTL {
			delete(rl.limits, key)
		}
	}
	rl.lastSweep = now
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	return rl.getLimiter(key, now).AllowN(now, 1)
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limits)
}
