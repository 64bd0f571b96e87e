package broadcast

import (
	"sync"
	"time"
)

// dedupTTL is how long a delivered messageId suppresses redelivery.
const dedupTTL = 60 * time.Second

// dedupCache is the worker-local set of recently delivered message IDs.
// Critical sections are short; the poll loop prunes expired entries once
// per tick.
type dedupCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{seen: make(map[string]time.Time)}
}

// Contains reports whether the message ID was delivered within the TTL.
func (c *dedupCache) Contains(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[messageID]
	if !ok {
		return false
	}
	if time.Since(at) > dedupTTL {
		delete(c.seen, messageID)
		return false
	}
	return true
}

// Add records a delivered message ID.
func (c *dedupCache) Add(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[messageID] = time.Now()
}

// Prune evicts entries past the TTL.
func (c *dedupCache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-dedupTTL)
	for id, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, id)
		}
	}
}

// Len reports the current cache size.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
