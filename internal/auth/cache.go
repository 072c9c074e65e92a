package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedDecision holds a gate verdict with timestamp
type cachedDecision struct {
	allowed  bool
	cachedAt time.Time
}

// Cache is an LRU cache for authorization gate decisions, so a burst of
// requests on one session does not recompute digests on every call.
// Thread-safe, uses hashicorp/golang-lru under the hood.
type Cache struct {
	cache *lru.Cache[string, *cachedDecision]
	ttl   time.Duration
	mu    sync.RWMutex

	// Metrics
	hits   uint64
	misses uint64
}

// NewCache creates a decision cache
func NewCache(maxSize int, ttl time.Duration) (*Cache, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	cache, err := lru.New[string, *cachedDecision](maxSize)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create decision cache: %w", err)
	}

	return &Cache{
		cache: cache,
		ttl:   ttl,
	}, nil
}

// Key builds the cache key for one circuit/credential pair. The raw
// credential never enters the cache; only its digest does.
func Key(circuitID uuid.UUID, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return circuitID.String() + ":" + hex.EncodeToString(sum[:])
}

// Get retrieves a cached verdict.
// Returns false, false if not found or the TTL expired.
func (c *Cache) Get(key string) (allowed bool, ok bool) {
	if c == nil || c.cache == nil {
		return false, false
	}

	c.mu.RLock()
	cached, found := c.cache.Get(key)
	c.mu.RUnlock()

	if !found {
		atomic.AddUint64(&c.misses, 1)
		return false, false
	}

	if time.Since(cached.cachedAt) > c.ttl {
		// TTL expired - re-check under write lock to avoid evicting a fresh
		// entry that another goroutine may have Set() in between.
		c.mu.Lock()
		current, stillExists := c.cache.Get(key)
		if stillExists && time.Since(current.cachedAt) > c.ttl {
			c.cache.Remove(key)
		}
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return false, false
	}

	atomic.AddUint64(&c.hits, 1)
	return cached.allowed, true
}

// Set stores a verdict
func (c *Cache) Set(key string, allowed bool) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, &cachedDecision{
		allowed:  allowed,
		cachedAt: time.Now().UTC(),
	})
}

// InvalidateCircuit drops every cached verdict for one circuit, used when the
// circuit is removed or its ownership changes.
func (c *Cache) InvalidateCircuit(circuitID uuid.UUID) {
	if c == nil || c.cache == nil {
		return
	}

	prefix := circuitID.String() + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.cache.Keys() {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			c.cache.Remove(key)
		}
	}
}

// CacheStats is hit/miss accounting for the decision cache
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	if c == nil || c.cache == nil {
		return CacheStats{}
	}

	c.mu.RLock()
	size := c.cache.Len()
	c.mu.RUnlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}
