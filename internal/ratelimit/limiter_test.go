package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmathers/gramscrape/internal/metrics"
)

func TestLimiter_MinimumSpacing(t *testing.T) {
	metrics.Init()

	l := New(Config{MinInterval: 50 * time.Millisecond})
	ctx := context.Background()

	// First admission is immediate, each subsequent one waits out
	// the interval: N acquires take at least (N-1)*interval.
	const n = 4
	start := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, (n-1)*50*time.Millisecond)
}

func TestLimiter_SharedAcrossConcurrentCallers(t *testing.T) {
	metrics.Init()

	l := New(Config{MinInterval: 30 * time.Millisecond})
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx))
		}()
	}
	wg.Wait()
	require.GreaterOrEqual(t, time.Since(start), (n-1)*30*time.Millisecond)
}

func TestLimiter_DisabledInterval(t *testing.T) {
	metrics.Init()

	l := New(Config{MinInterval: 0})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_ContextCancellation(t *testing.T) {
	metrics.Init()

	l := New(Config{MinInterval: time.Minute})
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(cancelCtx))
}
