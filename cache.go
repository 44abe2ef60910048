package esi

import (
	"hash/fnv"
	"sync"
	"time"
)

const cacheShards = 16

// InMemoryCache is a sharded, TTL-based fragment store. Expired entries are
// evicted lazily on lookup.
type InMemoryCache struct {
	shards [cacheShards]*cacheShard
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewInMemoryCache creates an empty cache.
func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{}
	for i := range c.shards {
		c.shards[i] = &cacheShard{store: make(map[string]*CacheEntry)}
	}
	return c
}

func (c *InMemoryCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

// Get returns a live entry for key.
func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.store[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		s.mu.Lock()
		if current, ok := s.store[key]; ok && current == entry {
			delete(s.store, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return entry, true
}

// Set stores entry for ttl.
func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	entry.ExpiresAt = time.Now().Add(ttl)

	s := c.shard(key)
	s.mu.Lock()
	s.store[key] = entry
	s.mu.Unlock()
}

func (c *InMemoryCache) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.store, key)
	s.mu.Unlock()
}

func (c *InMemoryCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.store = make(map[string]*CacheEntry)
		s.mu.Unlock()
	}
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *InMemoryCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.store)
		s.mu.RUnlock()
	}
	return n
}

// responseCacheKey keys a fragment by URL plus the request headers that can
// change its content.
func responseCacheKey(url string, opts FetchOptions) string {
	if len(opts.Headers) == 0 {
		return url
	}
	return url + "#" + headerFingerprint(opts.Headers, nil)
}
