// Package artifactcache keeps recently generated per-item artifacts in a bounded LRU.
//
// Entries are immutable once inserted: Add on an existing key keeps the first value, so a
// concurrent reader never sees a half-replaced artifact. A reader that loses a race with
// eviction simply regenerates.
package artifactcache

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"bulk-job-orchestrator/internal/telemetry"
)

// DefaultEntries bounds the cache when no size is configured.
const DefaultEntries = 200

type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	group singleflight.Group
}

func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultEntries
	}
	return &Cache{lru: lru.New(maxEntries)}
}

// Get returns the artifact for key. Callers must not modify the returned slice.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	telemetry.CacheLookups.WithLabelValues("hit").Inc()
	return v.([]byte), true
}

// Add inserts data under key unless the key is already present, and returns the stored value.
func (c *Cache) Add(key string, data []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.lru.Get(key); ok {
		return v.([]byte)
	}
	stored := append([]byte(nil), data...)
	c.lru.Add(key, stored)
	return stored
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// GetOrGenerate returns the cached artifact or runs generate once for all concurrent
// callers of the same key. Failed generations are not cached.
func (c *Cache) GetOrGenerate(ctx context.Context, key string, generate func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if data, ok := c.Get(key); ok {
		return data, true, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if data, ok := c.Get(key); ok {
			return data, nil
		}
		data, err := generate(ctx)
		if err != nil {
			return nil, err
		}
		return c.Add(key, data), nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}
