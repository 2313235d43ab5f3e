// Package ratelimit throttles commands per client with token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. A zero rate never limits.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New returns a full bucket refilled at rate tokens per second up to burst.
// A burst below one is raised to one.
func New(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastRefill = now

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRefill
}

// Keyed keeps one Limiter per key, dropping buckets idle for longer than
// the idle period on the next sweep.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idle     time.Duration
	lastScan time.Time
	now      func() time.Time
}

// NewKeyed returns a per-key limiter. idle <= 0 keeps buckets until Forget.
func NewKeyed(rate float64, burst int, idle time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		lastScan: time.Now(),
		now:      time.Now,
	}
}

// Enabled reports whether the limiter can ever refuse.
func (k *Keyed) Enabled() bool {
	return k != nil && k.rate > 0
}

// Allow takes a token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	if !k.Enabled() {
		return true
	}
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = newLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = l
	}
	k.sweep()
	k.mu.Unlock()
	return l.Allow()
}

// Forget drops key's bucket.
func (k *Keyed) Forget(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// sweep runs with k.mu held.
func (k *Keyed) sweep() {
	if k.idle <= 0 {
		return
	}
	now := k.now()
	if now.Sub(k.lastScan) < k.idle {
		return
	}
	k.lastScan = now
	for key, l := range k.limiters {
		if now.Sub(l.idleSince()) > k.idle {
			delete(k.limiters, key)
		}
	}
}
