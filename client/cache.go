package client

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry wraps a cached value with the time it was fetched so callers
// can enforce the spec's ~10 minute TTL independent of LRU eviction.
type cacheEntry[T any] struct {
	value     T
	fetchedAt time.Time
}

// ttlCache bounds both entry count (via LRU) and staleness (via TTL). The
// bound is on the number of entries; the total size of the cached values in
// bytes is not tracked or limited. hashicorp/golang-lru provides the
// bounded-by-count half; the TTL half is a thin wrapper, the same shape
// dex's own server.go applies to storage.Keys via newKeyCacher.
type ttlCache[T any] struct {
	lru *lru.Cache[string, cacheEntry[T]]
	ttl time.Duration
	now func() time.Time
}

func newTTLCache[T any](size int, ttl time.Duration, now func() time.Time) *ttlCache[T] {
	c, err := lru.New[string, cacheEntry[T]](size)
	if err != nil {
		panic(err) // only fails for size <= 0, a programmer error.
	}
	if now == nil {
		now = time.Now
	}
	return &ttlCache[T]{lru: c, ttl: ttl, now: now}
}

func (c *ttlCache[T]) get(key string) (T, bool) {
	entry, ok := c.lru.Get(key)
	if !ok || c.now().Sub(entry.fetchedAt) > c.ttl {
		var zero T
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[T]) set(key string, value T) {
	c.lru.Add(key, cacheEntry[T]{value: value, fetchedAt: c.now()})
}
