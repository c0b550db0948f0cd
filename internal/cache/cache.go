// Package cache provides a content-addressed result cache with
// category-scoped TTLs. Entries are keyed by a deterministic fingerprint of
// the normalized request, invalidated lazily on read, and optionally bounded
// by a least-recently-used eviction cap.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Config holds cache configuration.
type Config struct {
	// DefaultTTL applies to categories without an explicit TTL.
	// Default: 15 minutes.
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`

	// CategoryTTLs assigns distinct lifetimes per call category, so volatile
	// categories expire quickly and near-static ones live longer.
	CategoryTTLs map[string]time.Duration `mapstructure:"category_ttls" yaml:"category_ttls"`

	// MaxEntries caps the number of live entries. Zero means unbounded.
	// When the cap is exceeded the least-recently-used entry is evicted.
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 15 * time.Minute,
	}
}

// entry is the internal storage structure for a cached result.
type entry struct {
	key      string
	value    any
	category string
	expiry   time.Time
}

// ResultCache is a thread-safe TTL cache for external call results.
//
// Lookups never return stale data: an entry whose TTL has elapsed is removed
// on read and reported as a miss. Storage beyond MaxEntries evicts in LRU
// order.
type ResultCache struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	hits   int64
	misses int64

	now func() time.Time
}

// Option is a functional option for configuring a ResultCache.
type Option func(*ResultCache)

// WithLogger configures the cache to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ResultCache) {
		c.logger = logger
	}
}

// New creates a ResultCache with the given configuration.
func New(config Config, opts ...Option) *ResultCache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}

	c := &ResultCache{
		config:  config,
		logger:  slog.Default(),
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Lookup returns the cached value for the key, or a miss. An entry whose TTL
// has elapsed is invalidated here rather than by a background sweeper.
func (c *ResultCache) Lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := elem.Value.(*entry)
	if !c.now().Before(e.expiry) {
		// Lazy invalidation on read.
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Store caches a value under the key with the category's TTL. A repeated
// store for the same key replaces the value and restarts its lifetime.
func (c *ResultCache) Store(key string, value any, category string) {
	ttl := c.ttlFor(category)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.category = category
		e.expiry = c.now().Add(ttl)
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&entry{
		key:      key,
		value:    value,
		category: category,
		expiry:   c.now().Add(ttl),
	})
	c.entries[key] = elem

	if c.config.MaxEntries > 0 && c.lru.Len() > c.config.MaxEntries {
		oldest := c.lru.Back()
		if oldest != nil {
			evicted := oldest.Value.(*entry)
			c.removeLocked(oldest)
			c.logger.Debug("cache entry evicted",
				"key", evicted.key,
				"category", evicted.category,
			)
		}
	}
}

// Invalidate removes an entry regardless of its remaining TTL.
// Returns true if the entry existed.
func (c *ResultCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// Len returns the number of live entries, including any whose TTL has
// elapsed but which have not been read since.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cumulative hit/miss counters.
func (c *ResultCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *ResultCache) ttlFor(category string) time.Duration {
	if ttl, ok := c.config.CategoryTTLs[category]; ok && ttl > 0 {
		return ttl
	}
	return c.config.DefaultTTL
}

// removeLocked unlinks an element from both indexes. Must be called with mu held.
func (c *ResultCache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.entries, e.key)
	c.lru.Remove(elem)
}
