// Package ratelimit gates inbound connections before a session is created.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	t := now()
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
	tb.lastUsed = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter combines an optional global accept rate with an optional rate per
// client host. A zero rate disables that limit.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perHost   map[string]*TokenBucket
	hostRate  int
	burstSize int
	now       func() time.Time
}

func NewLimiter(globalRate, perHostRate, burstSize int) *Limiter {
	return newLimiter(globalRate, perHostRate, burstSize, time.Now)
}

func newLimiter(globalRate, perHostRate, burstSize int, now func() time.Time) *Limiter {
	l := &Limiter{
		perHost:   make(map[string]*TokenBucket),
		hostRate:  perHostRate,
		burstSize: burstSize,
		now:       now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burstSize, now)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool { return l != nil && (l.global != nil || l.hostRate > 0) }

// Allow decides whether a new connection from host may proceed. A nil
// Limiter allows everything.
func (l *Limiter) Allow(host string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.hostRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perHost[host]
	if !ok {
		bucket = newTokenBucket(l.hostRate, l.burstSize, l.now)
		l.perHost[host] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// CleanupIdle drops per-host buckets unused for maxIdle and returns how many
// were dropped.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for host, b := range l.perHost {
		if b.idleSince().Before(cutoff) {
			delete(l.perHost, host)
			dropped++
		}
	}
	return dropped
}
