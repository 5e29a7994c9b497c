package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstIsImmediate(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(100*time.Millisecond, 3)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_PacesAfterBurst(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(50*time.Millisecond, 1)

	require.NoError(t, limiter.Wait(context.Background()))
	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRateLimiter_ContextCancel(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(time.Minute, 1)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Wait(ctx), context.DeadlineExceeded)
}

func TestRateLimiter_BackoffAndReset(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(100*time.Millisecond, 1)
	base := limiter.Rate()

	limiter.OnRateLimit(0)
	assert.Greater(t, limiter.Rate(), base)

	// The backoff never exceeds the ceiling.
	for i := 0; i < 20; i++ {
		limiter.OnRateLimit(0)
	}
	assert.LessOrEqual(t, limiter.Rate(), 5*time.Second)

	// A long Retry-After header wins over the computed rate.
	wait := limiter.OnRateLimit(time.Minute)
	assert.Equal(t, time.Minute, wait)

	limiter.ResetRate()
	assert.Equal(t, base, limiter.Rate())
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(0, 0)
	assert.Equal(t, DefaultRate, limiter.Rate())
}
