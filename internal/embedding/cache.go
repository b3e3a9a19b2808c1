package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheEntry is the cached value for a (content, model) key.
type CacheEntry struct {
	Vector     []float32
	IsFallback bool
	CreatedAt  time.Time
}

// Cache is the content-hash keyed LRU+TTL cache in front of the remote
// embedding provider. Safe for concurrent use; the LRU update is atomic
// per key, backed by hashicorp/golang-lru/v2.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, CacheEntry]
	ttl time.Duration
}

// NewCache builds a cache with the given hard maximum entry count and TTL.
// Entries older than ttl are treated as absent and purged lazily on
// lookup.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, _ := lru.New[string, CacheEntry](maxEntries)
	return &Cache{lru: c, ttl: ttl}
}

// Key computes the cache key for content embedded under modelID.
func Key(content, modelID string) string {
	h := sha256.Sum256([]byte(modelID + "\x00" + content))
	return hex.EncodeToString(h[:])
}

// Get returns the cached entry for key if present and not expired.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return CacheEntry{}, false
	}
	if c.ttl > 0 && time.Since(entry.CreatedAt) > c.ttl {
		c.lru.Remove(key)
		return CacheEntry{}, false
	}
	return entry, true
}

// Put inserts or refreshes the entry for key.
func (c *Cache) Put(key string, entry CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry)
}

// Len reports the current number of cached entries, used by
// memory_statistics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
