// Package ratelimit implements the token-bucket admission control of spec
// §4.E. The in-memory bucket is the default; a distributed variant backed
// by go-redis (RedisLimiter) lives in redis.go, grounded in the teacher's
// app/ratelimit.RateLimiter INCR+EXPIRE windowing. RedisLimiter is a
// fixed-window request counter per key, not a token bucket, so it does not
// admit requests the same way as the in-memory limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	relayerrors "github.com/baechuer/relay/errors"
)

// Config configures the limiter per the `rate` option group of spec §6.
type Config struct {
	Enabled    bool
	Capacity   float64
	RefillRate float64 // tokens per second
}

// Limiter is an in-memory token bucket: tokens = min(capacity, tokens +
// elapsed*refillRate).
type Limiter struct {
	cfg Config

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, tokens: cfg.Capacity, lastRefill: time.Now()}
}

func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	l.tokens += elapsed * l.cfg.RefillRate
	if l.tokens > l.cfg.Capacity {
		l.tokens = l.cfg.Capacity
	}
}

// TryAcquire is the non-blocking variant: fails immediately with
// RateLimitExceeded if no token is available.
func (l *Limiter) TryAcquire() error {
	if !l.cfg.Enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens < 1 {
		return relayerrors.New(relayerrors.CodeRateLimitExceeded, "rate limit exceeded")
	}
	l.tokens--
	return nil
}

// Acquire blocks until at least one token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.cfg.Enabled {
		return nil
	}
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1 - l.tokens
		wait := time.Duration(deficit/l.cfg.RefillRate*float64(time.Second)) + time.Millisecond
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return relayerrors.Wrap(relayerrors.CodeOperationCancelled, "rate limiter wait cancelled", ctx.Err())
		}
	}
}
