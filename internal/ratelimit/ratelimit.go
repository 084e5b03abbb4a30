// Package ratelimit provides a per-client token bucket limiter.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter is a token bucket rate limiter keyed by client identity.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	stopCleanup chan struct{}
}

// New creates a limiter allowing rps requests per second with the given
// burst capacity, and starts a background goroutine that evicts idle
// buckets.
func New(rps, burst int) *Limiter {
	if rps <= 0 {
		rps = 1
	}
	if burst < rps {
		burst = rps
	}

	l := &Limiter{
		buckets:     make(map[string]*bucket),
		rate:        float64(rps),
		burst:       float64(burst),
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the client identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, lastSeen: now}
		return true
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCleanup)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware returns a gin middleware enforcing the limiter per client.
// Clients are keyed by the X-Actor-ID header when present, falling back
// to the remote IP.
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Actor-ID")
		if key == "" {
			key = c.ClientIP()
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
