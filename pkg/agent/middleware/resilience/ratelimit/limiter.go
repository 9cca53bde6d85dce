// Package ratelimit throttles provider calls with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config controls the request rate.
type Config struct {
	RequestsPerMinute int
	Burst             int
}

// Limiter is a per-client request limiter.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter builds a limiter. A non-positive rate disables limiting.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	every := time.Minute / time.Duration(cfg.RequestsPerMinute)
	return &Limiter{limiter: rate.NewLimiter(rate.Every(every), burst)}
}

// Acquire blocks until a request slot is available and returns the time spent waiting.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait: %w", err)
	}
	return time.Since(start), nil
}
