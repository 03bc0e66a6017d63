package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUnderQuotaDoesNotBlock(t *testing.T) {
	l := New(3, 5*time.Second)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, l.Available())
}

func TestAcquireBlocksUntilOldestExpires(t *testing.T) {
	period := 300 * time.Millisecond
	l := New(2, period)

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))

	// The third acquire must wait roughly period - (now - oldest).
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, period+150*time.Millisecond)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New(1, time.Minute)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAcquireNeverOvershootsQuota(t *testing.T) {
	const maxRequests = 3
	period := 200 * time.Millisecond
	l := New(maxRequests, period)

	var mu sync.Mutex
	var issued []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			issued = append(issued, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, issued, 10)

	// No trailing window may contain more than maxRequests issuances.
	// Small tolerance on the window edge for timer scheduling jitter.
	tolerance := 20 * time.Millisecond
	for i := range issued {
		count := 0
		for j := range issued {
			d := issued[j].Sub(issued[i])
			if d >= 0 && d < period-tolerance {
				count++
			}
		}
		assert.LessOrEqual(t, count, maxRequests)
	}
}

func TestResetClearsWindow(t *testing.T) {
	l := New(2, time.Minute)
	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, 0, l.Available())

	l.Reset()
	assert.Equal(t, 2, l.Available())
}
