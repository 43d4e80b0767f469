package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Options controls construction of a TTLCache.
type Options struct {
	// TTL applies to every entry. Zero or negative means entries never expire.
	TTL time.Duration
	// MaxEntries bounds the cache size; zero means unbounded.
	MaxEntries int
	// Clock is used for expiry checks; nil means time.Now.
	Clock func() time.Time
}

// TTLCache is a goroutine-safe map-backed cache with a single TTL.
// Expired entries are skipped on read and dropped by PurgeExpired or when the cache is full.
type TTLCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
	opts  Options
}

func NewTTLCache[K comparable, V any](opts Options) *TTLCache[K, V] {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &TTLCache[K, V]{
		items: make(map[K]entry[V]),
		opts:  opts,
	}
}

func (c *TTLCache[K, V]) expired(e entry[V], now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	e, ok := c.items[key]
	if !ok || c.expired(e, c.opts.Clock()) {
		return zero, false
	}
	return e.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock()
	if _, exists := c.items[key]; !exists && c.opts.MaxEntries > 0 && len(c.items) >= c.opts.MaxEntries {
		c.purgeLocked(now)
		if len(c.items) >= c.opts.MaxEntries {
			// still full: evict any one entry
			for k := range c.items {
				delete(c.items, k)
				break
			}
		}
	}

	var exp time.Time
	if c.opts.TTL > 0 {
		exp = now.Add(c.opts.TTL)
	}
	c.items[key] = entry[V]{value: value, expiresAt: exp}
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.opts.Clock()
	count := 0
	for _, e := range c.items {
		if !c.expired(e, now) {
			count++
		}
	}
	return count
}

func (c *TTLCache[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.opts.Clock())
}

func (c *TTLCache[K, V]) purgeLocked(now time.Time) int {
	dropped := 0
	for k, e := range c.items {
		if c.expired(e, now) {
			delete(c.items, k)
			dropped++
		}
	}
	return dropped
}

var _ Cache[string, string] = (*TTLCache[string, string])(nil)
