// Package ratelimit provides windowed admission control shared by every
// ingress and egress path. Two stores implement the same semantics: an
// in-process map for single-instance deployments and tests, and Redis for
// multi-instance deployments.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	OK         bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter admits or rejects a keyed request of the given cost.
type Limiter interface {
	Allow(key string, cost int) Decision
}

// Config derives the per-window limit from requests-per-second and burst.
type Config struct {
	RequestsPerSecond int
	Burst             int
	Window            time.Duration
}

// LimitPerWindow returns the admission budget for one window.
func (c Config) LimitPerWindow() int {
	window := c.Window
	if window <= 0 {
		window = time.Second
	}
	limit := c.RequestsPerSecond * int(window/time.Second)
	if limit <= 0 {
		limit = 1
	}
	return limit + c.Burst
}

// InMemoryLimiter is a fixed-window counter guarded by a mutex. Expired
// windows are cleaned up lazily on each call.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

// NewInMemory builds an in-process limiter admitting limit units per window.
func NewInMemory(limit int, window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Second
	}
	if limit <= 0 {
		limit = 1
	}
	return &InMemoryLimiter{
		window: window,
		limit:  limit,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)

	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count += cost
	l.items[key] = curr

	return decide(curr.count, l.limit, curr.resetAt, now)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt, now time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		OK:        count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.OK {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d
}
