// Package ratelimit throttles message sends per identity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter keeps one token bucket per identity. A zero or negative rate
// disables limiting.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*entry
	now     func() time.Time
}

// New creates a limiter allowing perSecond sends with the given burst.
func New(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow reports whether identity may send now.
func (l *Limiter) Allow(identity string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[identity]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[identity] = e
	}
	e.lastAccess = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Prune drops buckets idle for longer than idle and returns how many were
// removed.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.entries {
		if e.lastAccess.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}
