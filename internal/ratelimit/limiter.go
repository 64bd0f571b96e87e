// Package ratelimit throttles connection attempts per source address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleEviction is how long an address's limiter survives without being
// touched before it is dropped from the map.
const idleEviction = 5 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionLimiter allows up to perMinute connection attempts per source
// address over a sliding window. Limiters are created lazily and evicted
// when idle.
type ConnectionLimiter struct {
	mu        sync.Mutex
	perMinute int
	entries   map[string]*entry
}

func NewConnectionLimiter(perMinute int) *ConnectionLimiter {
	return &ConnectionLimiter{
		perMinute: perMinute,
		entries:   make(map[string]*entry),
	}
}

// Allow reports whether a connection attempt from addr is within the
// limit. The attempt itself is counted.
func (l *ConnectionLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[addr]
	if !ok {
		// Token bucket approximation of a per-minute window: burst covers
		// the full budget up front and refill runs at the same rate. A
		// clustered burst is cut off at perMinute, though a cold address
		// that keeps trickling can exceed the budget over its first minute.
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.entries[addr] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Evict drops limiters that have not been touched recently. Called from
// the janitor alongside the other sweeps.
func (l *ConnectionLimiter) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-idleEviction)
	evicted := 0
	for addr, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, addr)
			evicted++
		}
	}
	return evicted
}

// Tracked reports how many addresses currently hold a limiter.
func (l *ConnectionLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
