// Package ratelimit provides token-bucket limiting per string key (client IP,
// login email).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/defiant4/organization-management-service/internal/clock"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Keyed holds one limiter per key. Buckets idle for longer than the idle
// timeout are dropped during later calls.
type Keyed struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	clock     clock.Clock
}

// New returns a limiter allowing perSecond events per key with the given
// burst. A non-positive perSecond disables limiting.
func New(perSecond float64, burst int, idle time.Duration, c clock.Clock) *Keyed {
	if c == nil {
		c = clock.Real()
	}
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Keyed{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idle:    idle,
		clock:   c,
	}
}

// PerMinute converts a per-minute budget to the per-second rate New expects.
func PerMinute(n float64) float64 { return n / 60 }

// Allow consumes one token for key and reports whether it was available.
func (k *Keyed) Allow(key string) bool {
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	if now.Sub(k.lastSweep) > k.idle {
		for id, b := range k.buckets {
			if now.Sub(b.seen) > k.idle {
				delete(k.buckets, id)
			}
		}
		k.lastSweep = now
	}
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Reset forgets key, restoring its full burst.
func (k *Keyed) Reset(key string) {
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
