package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketLimiter is a per-process token bucket: limit requests per window
// refill evenly, and up to limit may burst at once. Unlike the fixed window it
// has no boundary where 2x limit can pass.
type BucketLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	idle    time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	limit    int
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewBucket(w time.Duration) *BucketLimiter {
	if w <= 0 {
		w = time.Minute
	}
	return &BucketLimiter{window: w, idle: 2 * w, now: time.Now, buckets: make(map[string]*bucket)}
}

func (l *BucketLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok || b.limit != limit {
		every := rate.Every(l.window / time.Duration(limit))
		b = &bucket{limit: limit, limiter: rate.NewLimiter(every, limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now
	if tokens < 1 {
		perToken := l.window / time.Duration(limit)
		resetAt = now.Add(time.Duration((1 - tokens) * float64(perToken)))
	}
	return Decision{Allowed: allowed, Count: limit - remaining, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

// A bucket idle for two windows is full again, so dropping it is lossless.
func (l *BucketLimiter) sweepLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, k)
		}
	}
}
