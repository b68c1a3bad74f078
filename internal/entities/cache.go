package entities

import (
	"sync"
	"time"
)

// CacheObserver receives every cache lookup outcome.
type CacheObserver interface {
	RecordCacheAccess(key string, hit bool)
}

type cacheEntry struct {
	entity Entity
	exp    time.Time
}

// Cache is a small TTL read cache for entity lookups by key.
type Cache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	clock    func() time.Time
	entries  map[string]cacheEntry
	observer CacheObserver
}

// NewCache builds a cache; ttl defaults to 30s.
func NewCache(ttl time.Duration, observer CacheObserver) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		ttl:      ttl,
		clock:    time.Now,
		entries:  make(map[string]cacheEntry),
		observer: observer,
	}
}

func cacheKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// Get returns a cached entity when present and fresh.
func (c *Cache) Get(entityType, entityID string) (Entity, bool) {
	if c == nil {
		return Entity{}, false
	}
	key := cacheKey(entityType, entityID)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	hit := ok && c.clock().Before(entry.exp)
	if c.observer != nil {
		c.observer.RecordCacheAccess(key, hit)
	}
	if !hit {
		return Entity{}, false
	}
	return entry.entity, true
}

// Set stores the entity under its key.
func (c *Cache) Set(entity Entity) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(entity.EntityType, entity.EntityID)] = cacheEntry{entity: entity, exp: c.clock().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the entity from the cache.
func (c *Cache) Invalidate(entityType, entityID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, cacheKey(entityType, entityID))
	c.mu.Unlock()
}
