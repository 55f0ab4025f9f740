package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter is a token bucket. Tokens accrue at a constant rate up to
// the burst capacity; each request consumes one.
type RateLimiter struct {
	rate     float64
	burst    int
	tokens   float64
	lastTime time.Time

	allowed int64
	blocked int64

	mu sync.Mutex
}

// NewRateLimiter creates a token bucket limiter with the given rate
// (requests per second) and burst capacity. The bucket starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= 1.0 {
		rl.tokens--
		atomic.AddInt64(&rl.allowed, 1)
		return true
	}
	atomic.AddInt64(&rl.blocked, 1)
	return false
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= 1.0 {
			rl.tokens--
			atomic.AddInt64(&rl.allowed, 1)
			rl.mu.Unlock()
			return nil
		}

		deficit := 1.0 - rl.tokens
		waitTime := time.Duration(deficit / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			atomic.AddInt64(&rl.blocked, 1)
			return ctx.Err()
		}
	}
}

// SetRate updates the refill rate.
func (rl *RateLimiter) SetRate(rate float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rate = rate
}

func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastTime).Seconds()

	rl.tokens += elapsed * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastTime = now
}

// Stats returns limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return RateLimiterStats{
		Rate:            rl.rate,
		Burst:           rl.burst,
		AllowedRequests: atomic.LoadInt64(&rl.allowed),
		BlockedRequests: atomic.LoadInt64(&rl.blocked),
		CurrentTokens:   rl.tokens,
	}
}

// RateLimiterStats reports the limiter's current state.
type RateLimiterStats struct {
	Rate            float64 `json:"rate"`
	Burst           int     `json:"burst"`
	AllowedRequests int64   `json:"allowed_requests"`
	BlockedRequests int64   `json:"blocked_requests"`
	CurrentTokens   float64 `json:"current_tokens"`
}
