package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a TTL. Used to drop
// duplicate inbound messages when a channel redelivers after a
// reconnect or webhook retry.
type DedupeCache struct {
	ttl     time.Duration
	maxSize int

	mu          sync.Mutex
	seen        map[string]time.Time
	nextCleanup time.Time
}

// NewDedupeCache creates a cache that forgets keys after ttl and holds
// at most maxSize entries.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
	}
}

// IsDuplicate reports whether key was seen within the TTL, and marks it
// seen either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeCleanup(now)

	expiry, ok := c.seen[key]
	c.seen[key] = now.Add(c.ttl)
	if ok && now.Before(expiry) {
		return true
	}

	if len(c.seen) > c.maxSize {
		c.evictOldest()
	}
	return false
}

// Len reports the number of tracked keys, expired entries included.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// maybeCleanup sweeps expired entries at most once every 30 seconds.
// Caller holds c.mu.
func (c *DedupeCache) maybeCleanup(now time.Time) {
	if now.Before(c.nextCleanup) {
		return
	}
	for key, expiry := range c.seen {
		if now.After(expiry) {
			delete(c.seen, key)
		}
	}
	c.nextCleanup = now.Add(30 * time.Second)
}

// evictOldest removes the entry closest to expiry to enforce maxSize.
// Caller holds c.mu.
func (c *DedupeCache) evictOldest() {
	var oldestKey string
	var oldestExpiry time.Time
	for key, expiry := range c.seen {
		if oldestKey == "" || expiry.Before(oldestExpiry) {
			oldestKey = key
			oldestExpiry = expiry
		}
	}
	if oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}
