// Package httpmiddleware carries the HTTP concerns that sit in front of the
// handlers.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const idleBucketTTL = 10 * time.Minute

// SimpleTokenBucket limits requests per client IP. State is per process; a
// multi-instance deployment needs a shared limiter in front of it.
type SimpleTokenBucket struct {
	capacity int
	rate     int
	skip     map[string]struct{}

	mu        sync.Mutex
	state     map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewSimpleTokenBucket creates a limiter refilling perMinute tokens with the
// given burst capacity. Requests to skipPaths bypass the limiter entirely;
// probes and scrapers must never be throttled.
func NewSimpleTokenBucket(capacity, perMinute int, skipPaths ...string) *SimpleTokenBucket {
	if perMinute <= 0 {
		perMinute = 60
	}
	if capacity <= 0 {
		capacity = perMinute
	}
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return &SimpleTokenBucket{
		capacity: capacity,
		rate:     perMinute,
		skip:     skip,
		state:    make(map[string]*bucket),
		now:      time.Now,
	}
}

// GinMiddleware enforces the per-IP limit.
func (l *SimpleTokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := l.skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *SimpleTokenBucket) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to be full again, bounding the state
// map against client-IP churn. Runs at most once per TTL.
func (l *SimpleTokenBucket) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleBucketTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.state {
		if now.Sub(b.last) >= idleBucketTTL {
			delete(l.state, key)
		}
	}
}
