// Package ratelimit bounds request rates per identity using a fixed window
// counter. Window rollover resets the count to zero rather than decaying it;
// simplicity is preferred over precision here.
package ratelimit

import (
	"sync"
	"time"

	"github.com/posterbeat/posterbeat/internal/config"
)

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter tracks request counts per identity. All mutation happens under a
// single mutex so concurrent requests from the same identity can neither
// double-count nor slip past the cap.
type Limiter struct {
	capacity int
	window   time.Duration

	// now is replaceable in tests.
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		capacity: cfg.RequestsPerWindow,
		window:   time.Duration(cfg.WindowSeconds) * time.Second,
		now:      time.Now,
		buckets:  map[string]*bucket{},
	}
}

// Allow records a request for the identity and reports whether it is within
// the window cap. When denied, retryAfter indicates how long until the
// current window elapses.
func (l *Limiter) Allow(identity string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	b, found := l.buckets[identity]
	if !found || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.buckets[identity] = b
	}

	if b.count >= l.capacity {
		return false, b.windowStart.Add(l.window).Sub(now)
	}

	b.count++
	return true, 0
}

// Prune drops buckets whose window has elapsed. Intended to be called
// periodically from a background goroutine.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for identity, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, identity)
		}
	}
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
