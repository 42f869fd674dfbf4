package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultCleanupEvery = 100

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps buckets in process. Only suitable for a single instance.
type MemoryLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	now          func() time.Time
	cleanupEvery int
	checks       int
}

func NewMemoryLimiter(now func() time.Time, cleanupEvery int) *MemoryLimiter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cleanupEvery <= 0 {
		cleanupEvery = defaultCleanupEvery
	}
	return &MemoryLimiter{
		buckets:      make(map[string]*bucket),
		now:          now,
		cleanupEvery: cleanupEvery,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.checks++
	if l.checks%l.cleanupEvery == 0 {
		l.sweepLocked(now)
	}

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		l.buckets[key] = b
	}

	if b.count >= limit {
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    b.resetAt,
			RetryAfter: b.resetAt.Sub(now),
		}, nil
	}

	b.count++
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - b.count,
		ResetAt:   b.resetAt,
	}, nil
}

// Len reports the number of live buckets.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}
