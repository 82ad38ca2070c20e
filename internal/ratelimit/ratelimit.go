// Package ratelimit provides a per-user token bucket for the admission path.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const anonymousBucket = "anonymous"

// PerUserLimiter keeps one token bucket per user id. All anonymous traffic
// shares a single bucket.
type PerUserLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	perEvent rate.Limit
	burst    int
}

// New returns a limiter allowing eventsPerSecond sustained with the given
// burst per user.
func New(eventsPerSecond float64, burst int) *PerUserLimiter {
	return &PerUserLimiter{
		buckets:  make(map[string]*rate.Limiter),
		perEvent: rate.Limit(eventsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether one event for the user may proceed now. The path is
// accepted for interface compatibility; buckets are keyed by user only.
func (limiter *PerUserLimiter) Allow(ctx context.Context, userID string, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return limiter.bucketFor(userID).Allow(), nil
}

func (limiter *PerUserLimiter) bucketFor(userID string) *rate.Limiter {
	if userID == "" {
		userID = anonymousBucket
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	bucket, found := limiter.buckets[userID]
	if !found {
		bucket = rate.NewLimiter(limiter.perEvent, limiter.burst)
		limiter.buckets[userID] = bucket
	}
	return bucket
}
