package episode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/praxisworks/recalld/internal/memval"
)

// resultCache is a TTL cache over ranked retrieval results. The TTL is
// short because memory evolves: new episodes must become visible quickly.
type resultCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	neighbors []Neighbor
	storedAt  time.Time
}

func newResultCache(ttl time.Duration, maxEntries int) *resultCache {
	return &resultCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// cacheKey digests the normalized query context and k. Canonical encoding
// makes the key independent of map iteration order.
func cacheKey(queryCtx memval.Value, k int) string {
	h := sha256.New()
	h.Write(queryCtx.Canonical())
	fmt.Fprintf(h, "|k=%d", k)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *resultCache) get(key string) ([]Neighbor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.neighbors, true
}

func (c *resultCache) put(key string, neighbors []Neighbor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{neighbors: neighbors, storedAt: c.now()}
}

// evictLocked drops expired entries, falling back to the oldest entry when
// nothing has expired yet.
func (c *resultCache) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, entry.storedAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
