// Package ratelimit gates outbound control frames with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limit describes a refill rate of Count tokens per Per window. Burst caps the bucket and
// defaults to Count, so no more than one window's worth of tokens is ever available at once.
type Limit struct {
	Count int
	Per   time.Duration
	Burst int
}

// Venue presets for control frames.
var (
	BinanceControl = Limit{Count: 3, Per: time.Second}
	OKXControl     = Limit{Count: 2, Per: time.Second}
	BybitControl   = Limit{Count: 500, Per: 5 * time.Minute}
)

// Every returns the interval between two tokens.
func (l Limit) Every() time.Duration {
	if l.Count <= 0 || l.Per <= 0 {
		return 0
	}
	return l.Per / time.Duration(l.Count)
}

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.Count, l.Per)
}

// Limiter is a token bucket. Acquire never drops a request, it only delays the caller.
type Limiter struct {
	limit  Limit
	bucket *rate.Limiter
}

// New constructs a Limiter. A zero Limit yields an unlimited limiter.
func New(limit Limit) *Limiter {
	if limit.Count <= 0 || limit.Per <= 0 {
		return &Limiter{limit: limit, bucket: rate.NewLimiter(rate.Inf, 1)}
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = limit.Count
	}
	return &Limiter{
		limit:  limit,
		bucket: rate.NewLimiter(rate.Every(limit.Every()), burst),
	}
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter %s: %w", l.limit, err)
	}
	return nil
}

// Limit returns the configured limit.
func (l *Limiter) Limit() Limit {
	return l.limit
}
