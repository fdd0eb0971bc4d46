package retrieval

import (
	"crypto/sha256"
	"sync"
	"time"
)

// EmbedCache remembers recent message embeddings so regenerating a draft for
// the same email does not call the engine again.
type EmbedCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[[sha256.Size]byte]cacheEntry
}

type cacheEntry struct {
	vec     []float32
	expires time.Time
}

// NewEmbedCache creates a cache holding at most maxEntries vectors for ttl.
func NewEmbedCache(ttl time.Duration, maxEntries int) *EmbedCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &EmbedCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[[sha256.Size]byte]cacheEntry),
	}
}

func cacheKey(model, text string) [sha256.Size]byte {
	return sha256.Sum256([]byte(model + "\x00" + text))
}

// Get returns a live cached vector.
func (c *EmbedCache) Get(model, text string) ([]float32, bool) {
	key := cacheKey(model, text)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.vec, true
}

// Put stores vec. When the cache is full, expired entries are dropped first,
// then the entry closest to expiry.
func (c *EmbedCache) Put(model, text string, vec []float32) {
	key := cacheKey(model, text)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{vec: vec, expires: now.Add(c.ttl)}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *EmbedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *EmbedCache) evictLocked(now time.Time) {
	var oldestKey [sha256.Size]byte
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if first || e.expires.Before(oldest) {
			oldestKey, oldest, first = k, e.expires, false
		}
	}
	if len(c.entries) >= c.maxEntries && !first {
		delete(c.entries, oldestKey)
	}
}
