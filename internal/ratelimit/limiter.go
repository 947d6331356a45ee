// Package ratelimit throttles per-connection edit throughput. Presence
// events are never limited; only operations that reach the conflict engine
// count against the window.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = 10 * time.Second
	}
	if limit <= 0 {
		limit = 30
	}
	return &Limiter{
		window: window,
		limit:  limit,
		items:  make(map[string]entry),
	}
}

// Allow counts one edit against key's window and reports whether it is within
// the ceiling. Denied calls still advance the counter; the window resets on
// its own schedule.
func (l *Limiter) Allow(key string) Decision {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)

	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr

	remaining := l.limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   curr.count <= l.limit,
		Count:     curr.count,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = curr.resetAt.Sub(now)
	}
	return d
}

// Forget drops a connection's counter, called on disconnect.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, key)
}

func (l *Limiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
