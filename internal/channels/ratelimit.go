package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096

	// idleEvict is how long an unused limiter is kept.
	idleEvict = 10 * time.Minute

	DefaultWebhookRPM = 60
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter is a per-key token bucket with a bounded key set.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewWebhookRateLimiter allows rpm requests per minute per key with a burst
// of the same size. rpm <= 0 uses DefaultWebhookRPM.
func NewWebhookRateLimiter(rpm int) *WebhookRateLimiter {
	if rpm <= 0 {
		rpm = DefaultWebhookRPM
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(rpm) / 60),
		burst:   rpm,
		now:     time.Now,
	}
}

// Allow returns true if the key is within rate limits.
// Automatically prunes idle entries and enforces a hard cap on tracked keys.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) >= idleEvict {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (r *WebhookRateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
