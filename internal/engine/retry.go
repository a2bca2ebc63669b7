package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/jmathers/gramscrape/internal/scrape"
)

// SleepFunc blocks for the given duration or until the context ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds fetch attempts per target and shapes the delay
// between them.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per target, first try
	// included.
	MaxAttempts int
	// BackoffBase seeds the exponential delay schedule. Upstream
	// rate-limit responses back off from twice this base.
	BackoffBase time.Duration
	// Sleep is swappable for tests. Nil uses a context-aware
	// time.Sleep.
	Sleep SleepFunc
}

// DefaultRetryPolicy returns the standard budget: three attempts with
// backoff seeded from the fetch spacing interval.
func DefaultRetryPolicy(base time.Duration) RetryPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	return RetryPolicy{MaxAttempts: 3, BackoffBase: base}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay before the given retry. attempt counts the
// failures so far, starting at 1. The delay doubles per attempt with
// up to 25% jitter added.
func (p RetryPolicy) Backoff(attempt int, kind scrape.ErrorKind) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if kind == scrape.ErrKindRateLimited {
		base *= 2
	}
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
