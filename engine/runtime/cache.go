package runtime

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opendlt/accumen-appsdk/internal/metrics"
)

// ModuleCache is the registry of compiled modules, keyed by the sha256 of
// their bytecode. The least recently used module is evicted and closed once
// the registry is full.
type ModuleCache struct {
	cache     *lru.Cache[[32]byte, *Module]
	maxSize   int
	hitCount  atomic.Uint64
	missCount atomic.Uint64
	evictions atomic.Uint64
}

// NewModuleCache creates a new module cache with the specified maximum size
func NewModuleCache(maxSize int) *ModuleCache {
	if maxSize <= 0 {
		maxSize = 16 // Default cache size
	}

	c := &ModuleCache{maxSize: maxSize}
	cache, err := lru.NewWithEvict(maxSize, func(_ [32]byte, m *Module) {
		c.evictions.Add(1)
		metrics.RecordEviction()
		m.close()
	})
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	c.cache = cache
	return c
}

// Get retrieves a compiled module from the cache
func (c *ModuleCache) Get(hash [32]byte) (*Module, bool) {
	m, ok := c.cache.Get(hash)
	if ok {
		c.hitCount.Add(1)
	} else {
		c.missCount.Add(1)
	}
	metrics.RecordCache(ok)
	return m, ok
}

// Put stores a compiled module in the cache. If another module with the same
// hash was added concurrently, that one is kept and returned and m is closed.
func (c *ModuleCache) Put(m *Module) *Module {
	prev, found, _ := c.cache.PeekOrAdd(m.Hash, m)
	if found {
		m.close()
		return prev
	}
	return m
}

// Contains reports whether a module is cached without touching its recency
func (c *ModuleCache) Contains(hash [32]byte) bool {
	return c.cache.Contains(hash)
}

// GetStats returns cache statistics
func (c *ModuleCache) GetStats() CacheStats {
	hits, misses := c.hitCount.Load(), c.missCount.Load()
	stats := CacheStats{
		Size:      c.cache.Len(),
		MaxSize:   c.maxSize,
		HitCount:  hits,
		MissCount: misses,
		Evictions: c.evictions.Load(),
	}
	if hits+misses > 0 {
		stats.HitRatio = float64(hits) / float64(hits+misses)
	}
	return stats
}

// CacheStats contains cache performance statistics
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	HitCount  uint64  `json:"hit_count"`
	MissCount uint64  `json:"miss_count"`
	Evictions uint64  `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Clear removes and closes all entries
func (c *ModuleCache) Clear() {
	c.cache.Purge()
	c.hitCount.Store(0)
	c.missCount.Store(0)
}

func (m *Module) close() {
	if m.compiled != nil {
		_ = m.compiled.Close(context.Background())
	}
}
