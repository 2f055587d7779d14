// Package ratelimit implements per-user sliding-window admission control.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a user has used up the window
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// bucket holds the timestamps of admitted requests for one user, oldest first
type bucket struct {
	mu    sync.Mutex
	times []time.Time
	// evicted is set under mu once Sweep removed the bucket from the map
	evicted bool
}

// Limiter admits at most Limit requests per user in any Window.
// Each user's bucket has its own lock, so unrelated users never contend.
type Limiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets sync.Map // user id -> *bucket
}

// New creates a limiter. limit <= 0 disables limiting.
func New(limit int, window time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		now:    now,
	}
}

// Allow records a request for userID and reports whether it is admitted.
// Rejected requests are not counted.
func (l *Limiter) Allow(userID string) bool {
	if l.limit <= 0 {
		return true
	}

	b := l.acquire(userID)
	defer b.mu.Unlock()

	now := l.now()
	b.prune(now.Add(-l.window))
	if len(b.times) >= l.limit {
		return false
	}
	b.times = append(b.times, now)
	return true
}

// Check is Allow returning ErrRateLimitExceeded on rejection
func (l *Limiter) Check(userID string) error {
	if !l.Allow(userID) {
		return ErrRateLimitExceeded
	}
	return nil
}

// Remaining returns how many more requests userID may make right now
func (l *Limiter) Remaining(userID string) int {
	if l.limit <= 0 {
		return -1
	}

	b, ok := l.lookup(userID)
	if !ok {
		return l.limit
	}
	defer b.mu.Unlock()

	b.prune(l.now().Add(-l.window))
	return l.limit - len(b.times)
}

// RetryAfter returns how long until userID's oldest counted request leaves the window
func (l *Limiter) RetryAfter(userID string) time.Duration {
	if l.limit <= 0 {
		return 0
	}
	b, ok := l.lookup(userID)
	if !ok {
		return 0
	}
	defer b.mu.Unlock()

	now := l.now()
	b.prune(now.Add(-l.window))
	if len(b.times) < l.limit {
		return 0
	}
	return b.times[0].Add(l.window).Sub(now)
}

// Limit returns the configured requests-per-window
func (l *Limiter) Limit() int {
	return l.limit
}

// Window returns the configured window length
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Sweep evicts buckets with nothing left in the window and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.window)
	removed := 0
	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		b.prune(cutoff)
		if len(b.times) == 0 && l.buckets.CompareAndDelete(key, b) {
			b.evicted = true
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// Start sweeps idle buckets every interval until ctx is cancelled
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// acquire returns userID's bucket locked, creating it if needed. A bucket
// evicted between lookup and lock is replaced.
func (l *Limiter) acquire(userID string) *bucket {
	for {
		v, _ := l.buckets.LoadOrStore(userID, &bucket{})
		b := v.(*bucket)
		b.mu.Lock()
		if !b.evicted {
			return b
		}
		b.mu.Unlock()
	}
}

// lookup returns userID's bucket locked, or false if it has none
func (l *Limiter) lookup(userID string) (*bucket, bool) {
	v, ok := l.buckets.Load(userID)
	if !ok {
		return nil, false
	}
	b := v.(*bucket)
	b.mu.Lock()
	if b.evicted {
		b.mu.Unlock()
		return nil, false
	}
	return b, true
}

// prune drops timestamps at or before cutoff
func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.times) && !b.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.times = append(b.times[:0], b.times[i:]...)
	}
}
