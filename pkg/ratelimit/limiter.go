// Package ratelimit throttles callers of the soul facade with fixed-window
// counters, in memory or shared through Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= limit, Count: count, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	items  map[string]window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemory(w time.Duration) *InMemoryLimiter {
	if w <= 0 {
		w = time.Minute
	}
	return &InMemoryLimiter{window: w, now: time.Now, items: make(map[string]window)}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok {
		curr = window{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}
