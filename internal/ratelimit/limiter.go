// Package ratelimit gates fetch admissions with a process-wide
// minimum spacing shared by every worker and every job.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmathers/gramscrape/internal/metrics"
)

// Limiter admits at most one fetch per configured interval across the
// whole process. A single instance is shared by all workers; the
// token state is guarded inside rate.Limiter.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// MinInterval is the minimum spacing between admissions.
	// Zero or negative disables throttling.
	MinInterval time.Duration
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	if cfg.MinInterval > 0 {
		r = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		limiter:  rate.NewLimiter(r, 1),
		interval: cfg.MinInterval,
	}
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until admission, respecting the context. Admission
// order is not strictly FIFO but no caller waits unboundedly.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}
