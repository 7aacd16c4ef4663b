// Package ratelimit paces connection opens with a token bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type TokenBucket struct {
	rate       float64 // tokens per second
	burst      int     // max tokens
	available  float64
	lastRefill time.Time
	mu         sync.Mutex
}

func NewTokenBucket(rate float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{rate: rate, burst: burst, available: float64(burst), lastRefill: time.Now()}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.available += elapsed * tb.rate
	if tb.available > float64(tb.burst) {
		tb.available = float64(tb.burst)
	}
	tb.lastRefill = now
}

// Allow consumes n tokens if available and returns true, otherwise false.
func (tb *TokenBucket) Allow(n int) bool {
	_, ok := tb.reserve(n)
	return ok
}

// reserve consumes n tokens, or returns how long until they would be available.
func (tb *TokenBucket) reserve(n int) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.available >= float64(n) {
		tb.available -= float64(n)
		return 0, true
	}
	if tb.rate <= 0 {
		return time.Hour, false
	}
	missing := float64(n) - tb.available
	return time.Duration(missing / tb.rate * float64(time.Second)), false
}

// Wait blocks until n tokens are available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context, n int) error {
	for {
		wait, ok := tb.reserve(n)
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
