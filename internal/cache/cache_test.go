package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCache_StoreThenLookup(t *testing.T) {
	c := New(DefaultConfig())

	key := Fingerprint(map[string]any{"query": "market sizing"}, "research")
	c.Store(key, "42 pages", "research")

	got, ok := c.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "42 pages", got)
}

func TestResultCache_MissOnUnknownKey(t *testing.T) {
	c := New(DefaultConfig())

	_, ok := c.Lookup("no-such-key")
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, int64(1), misses)
}

func TestResultCache_ExpiryIsLazy(t *testing.T) {
	current := time.Now()
	c := New(Config{
		DefaultTTL:   time.Hour,
		CategoryTTLs: map[string]time.Duration{"volatile": time.Minute},
	})
	c.now = func() time.Time { return current }

	key := Fingerprint(map[string]any{"q": "spot price"}, "volatile")
	c.Store(key, "100.5", "volatile")

	// Before TTL elapses the value is returned.
	current = current.Add(59 * time.Second)
	got, ok := c.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "100.5", got)

	// At/after TTL the entry is invalidated on read.
	current = current.Add(2 * time.Second)
	_, ok = c.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestResultCache_CategoryTTLOverridesDefault(t *testing.T) {
	current := time.Now()
	c := New(Config{
		DefaultTTL:   time.Minute,
		CategoryTTLs: map[string]time.Duration{"static": 24 * time.Hour},
	})
	c.now = func() time.Time { return current }

	staticKey := Fingerprint(map[string]any{"q": "country list"}, "static")
	defaultKey := Fingerprint(map[string]any{"q": "news"}, "uncategorized")
	c.Store(staticKey, "v1", "static")
	c.Store(defaultKey, "v2", "uncategorized")

	current = current.Add(2 * time.Minute)

	_, ok := c.Lookup(staticKey)
	assert.True(t, ok, "static category should outlive the default TTL")

	_, ok = c.Lookup(defaultKey)
	assert.False(t, ok, "uncategorized entry should expire with the default TTL")
}

func TestResultCache_StoreRefreshesExpiry(t *testing.T) {
	current := time.Now()
	c := New(Config{DefaultTTL: time.Minute})
	c.now = func() time.Time { return current }

	c.Store("k", "v1", "")
	current = current.Add(45 * time.Second)
	c.Store("k", "v2", "")
	current = current.Add(30 * time.Second)

	got, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "v2", got)
}

func TestResultCache_LRUEviction(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxEntries: 2})

	c.Store("a", 1, "")
	c.Store("b", 2, "")

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Lookup("a")
	require.True(t, ok)

	c.Store("c", 3, "")

	_, ok = c.Lookup("b")
	assert.False(t, ok, "least recently used entry should be evicted")

	_, ok = c.Lookup("a")
	assert.True(t, ok)
	_, ok = c.Lookup("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestResultCache_Invalidate(t *testing.T) {
	c := New(DefaultConfig())

	c.Store("k", "v", "")
	assert.True(t, c.Invalidate("k"))
	assert.False(t, c.Invalidate("k"))

	_, ok := c.Lookup("k")
	assert.False(t, ok)
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxEntries: 64})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d", j%32)
				c.Store(key, j, "load")
				c.Lookup(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(map[string]any{"query": "EU tariffs", "limit": 5}, "research")
	b := Fingerprint(map[string]any{"limit": 5, "query": "EU tariffs"}, "research")

	assert.Equal(t, a, b, "key order must not affect the fingerprint")
}

func TestFingerprint_NormalizesStrings(t *testing.T) {
	a := Fingerprint(map[string]any{"query": "  EU Tariffs "}, "research")
	b := Fingerprint(map[string]any{"query": "eu tariffs"}, "research")

	assert.Equal(t, a, b)
}

func TestFingerprint_CategoryScopesKey(t *testing.T) {
	req := map[string]any{"query": "eu tariffs"}

	assert.NotEqual(t, Fingerprint(req, "research"), Fingerprint(req, "pricing"))
}

func TestFingerprintContent_CollapsesWhitespace(t *testing.T) {
	a := FingerprintContent("Market is  GROWING\n fast")
	b := FingerprintContent("market is growing fast")
	c := FingerprintContent("market is shrinking")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
