// Package util holds small shared helpers with no domain knowledge.
package util

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/bookblue/bookblue-sync/internal/logger"
)

// ErrRateLimited is returned when the remote store rejected a request for
// pacing reasons and the caller should retry later.
var ErrRateLimited = errors.New("rate limited")

const (
	// DefaultRate is the resting spacing between remote requests. Snapshot
	// traffic is a handful of calls per session, so this only matters when
	// book downloads burst.
	DefaultRate = 200 * time.Millisecond
	// DefaultBurst lets a short run of cache misses through unpaced.
	DefaultBurst = 5

	// maxRate bounds the backoff so one bad stretch cannot stall the
	// session indefinitely.
	maxRate = 5 * time.Second
)

// RateLimiter is a token bucket that slows down when the remote store pushes
// back (429) and recovers to its resting rate on success.
type RateLimiter struct {
	mu           sync.Mutex
	last         time.Time
	rate         time.Duration
	minRate      time.Duration
	tokens       int
	maxTokens    int
	lastRateDrop time.Time
}

// NewRateLimiter creates a limiter with the given resting spacing and burst
// allowance. Non-positive arguments fall back to the defaults.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	return &RateLimiter{
		last:         time.Now(),
		rate:         rate,
		minRate:      rate,
		tokens:       burst,
		maxTokens:    burst,
		lastRateDrop: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()

	now := time.Now()
	refill := int(float64(now.Sub(r.last)) / float64(r.rate))
	if refill > 0 {
		r.tokens += refill
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.last = now
	}

	if r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	// Jitter up to 20% of the spacing so concurrent waiters do not retry in
	// lockstep.
	wait := r.rate + time.Duration(rand.Float64()*0.2*float64(r.rate))
	next := r.last.Add(wait)
	r.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.mu.Lock()
		r.last = next
		r.tokens = 0
		r.mu.Unlock()
		return nil
	}
}

// OnRateLimit widens the spacing after a 429 and returns how long to wait
// before retrying. Repeated pushback inside five minutes backs off harder
// than an isolated one. The server's Retry-After wins when it is longer.
func (r *RateLimiter) OnRateLimit(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastRateDrop) < 5*time.Minute {
		r.rate = time.Duration(1.5 * float64(r.rate))
	} else {
		r.rate = time.Duration(1.2 * float64(r.rate))
	}
	if r.rate > maxRate {
		r.rate = maxRate
	}
	r.lastRateDrop = now

	logger.Get().Warn("Remote store pushed back, slowing requests", map[string]interface{}{
		"new_rate":    r.rate.String(),
		"retry_after": retryAfter.String(),
	})

	if retryAfter > r.rate {
		return retryAfter
	}
	return r.rate
}

// ResetRate returns the limiter to its resting rate after a success.
func (r *RateLimiter) ResetRate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = r.minRate
	r.lastRateDrop = time.Now()
}

// Rate returns the current spacing between requests.
func (r *RateLimiter) Rate() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}
