// Package cache stores recently fetched page markup for a short time.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a snapshot is served when no TTL is given.
const DefaultTTL = 300 * time.Second

// Cache is an expiring key-value store of page markup keyed by URL.
type Cache interface {
	// Put stores content for url, replacing any previous entry.
	Put(ctx context.Context, url, content string, ttl time.Duration) error
	// Get returns the content for url if it has not expired.
	Get(ctx context.Context, url string) (string, bool, error)
	Close() error
}

type entry struct {
	content   string
	expiresAt time.Time
	storedAt  time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates a cache holding at most maxEntries snapshots.
// Zero means unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Put implements Cache.
func (c *MemoryCache) Put(ctx context.Context, url, content string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[url]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[url] = entry{content: content, expiresAt: now.Add(ttl), storedAt: now}
	return nil
}

// evictLocked drops expired entries, then the oldest one if still full.
func (c *MemoryCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, url string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[url]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, url)
		return "", false, nil
	}
	return e.content, true, nil
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	return nil
}
