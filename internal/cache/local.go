package cache

import (
	"context"
	"sync"
	"time"

	"github.com/meridianlabs/deepvalue/internal/metrics"
)

type localEntry struct {
	value     string
	createdAt time.Time
}

// LocalQueryCache is an in-process QueryCache. TTL is fixed per instance at
// construction. Get performs lazy expiry (delete on read past TTL);
// EvictExpired is the explicit bulk cleanup.
type LocalQueryCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]localEntry

	// now is swappable for tests
	now func() time.Time
}

// NewLocalQueryCache creates an in-process cache with the given TTL.
func NewLocalQueryCache(ttl time.Duration) *LocalQueryCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &LocalQueryCache{
		ttl: ttl,
		m:   make(map[string]localEntry),
		now: time.Now,
	}
}

func (c *LocalQueryCache) Get(_ context.Context, id Identity) (string, bool) {
	key := id.Key()
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.m[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(ent.createdAt) >= c.ttl {
		delete(c.m, key)
		metrics.CacheEvictions.Inc()
		metrics.CacheSize.Set(float64(len(c.m)))
		return "", false
	}
	return ent.value, true
}

func (c *LocalQueryCache) Put(_ context.Context, id Identity, result string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id.Key()] = localEntry{value: result, createdAt: c.now()}
	metrics.CacheSize.Set(float64(len(c.m)))
	return nil
}

// EvictExpired removes every entry past TTL and returns the count removed.
func (c *LocalQueryCache) EvictExpired(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now()
	for k, ent := range c.m {
		if cutoff.Sub(ent.createdAt) >= c.ttl {
			delete(c.m, k)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictions.Add(float64(removed))
		metrics.CacheSize.Set(float64(len(c.m)))
	}
	return removed, nil
}

func (c *LocalQueryCache) Size(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m), nil
}

func (c *LocalQueryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]localEntry)
	metrics.CacheSize.Set(0)
	return nil
}
