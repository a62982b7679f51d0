// Package ratelimit implements token-bucket rate limiting for the
// tunnel server's control listener, so a single misbehaving remote
// address (a client hammering the control port with garbage frames or
// bad secrets) can't starve the accept loop or exhaust goroutines.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a classic token bucket: tokens accrue at rate per
// second up to capacity, and each Allow() call consumes one if
// available.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int
	lastRefill time.Time
}

// NewTokenBucket creates a bucket with the given refill rate and
// capacity, starting full.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow reports whether a request may proceed, consuming a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	if tokensToAdd := int(elapsed.Seconds() * float64(tb.rate)); tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter enforces both a global limit and a per-remote-address limit
// on two independent axes: new connections, and authentication
// attempts (which are cheap to send but expensive to verify).
type Limiter struct {
	mu                 sync.RWMutex
	globalConnLimiter  *TokenBucket
	globalAuthLimiter  *TokenBucket
	perRemoteConnLimit map[string]*TokenBucket
	perRemoteAuthLimit map[string]*TokenBucket
	connRate           int
	authRate           int
	burstSize          int
}

// NewLimiter builds a Limiter. A zero rate disables that axis.
func NewLimiter(globalConnRate, perRemoteConnRate, globalAuthRate, perRemoteAuthRate, burstSize int) *Limiter {
	rl := &Limiter{
		perRemoteConnLimit: make(map[string]*TokenBucket),
		perRemoteAuthLimit: make(map[string]*TokenBucket),
		connRate:           perRemoteConnRate,
		authRate:           perRemoteAuthRate,
		burstSize:          burstSize,
	}
	if globalConnRate > 0 {
		rl.globalConnLimiter = NewTokenBucket(globalConnRate, burstSize)
	}
	if globalAuthRate > 0 {
		rl.globalAuthLimiter = NewTokenBucket(globalAuthRate, burstSize)
	}
	return rl
}

// AllowConnection reports whether a newly accepted connection from
// remoteAddr should be serviced.
func (rl *Limiter) AllowConnection(remoteAddr string) bool {
	if rl.globalConnLimiter != nil && !rl.globalConnLimiter.Allow() {
		return false
	}
	if rl.connRate <= 0 {
		return true
	}
	rl.mu.Lock()
	bucket, ok := rl.perRemoteConnLimit[remoteAddr]
	if !ok {
		bucket = NewTokenBucket(rl.connRate, rl.burstSize)
		rl.perRemoteConnLimit[remoteAddr] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// AllowAuthAttempt reports whether remoteAddr may attempt another
// challenge-response handshake.
func (rl *Limiter) AllowAuthAttempt(remoteAddr string) bool {
	if rl.globalAuthLimiter != nil && !rl.globalAuthLimiter.Allow() {
		return false
	}
	if rl.authRate <= 0 {
		return true
	}
	rl.mu.Lock()
	bucket, ok := rl.perRemoteAuthLimit[remoteAddr]
	if !ok {
		bucket = NewTokenBucket(rl.authRate, rl.burstSize)
		rl.perRemoteAuthLimit[remoteAddr] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// CleanupStale drops per-remote buckets for addresses no longer present
// in activeRemotes, bounding memory growth from one-off connections.
func (rl *Limiter) CleanupStale(activeRemotes map[string]bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for addr := range rl.perRemoteConnLimit {
		if !activeRemotes[addr] {
			delete(rl.perRemoteConnLimit, addr)
		}
	}
	for addr := range rl.perRemoteAuthLimit {
		if !activeRemotes[addr] {
			delete(rl.perRemoteAuthLimit, addr)
		}
	}
}
