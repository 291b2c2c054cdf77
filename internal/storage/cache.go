package storage

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is a cached item with expiration.
type cacheEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// LRUCache is a thread-safe LRU cache with TTL support. It keeps credential
// and quota lookups off the database on the hot selection path.
type LRUCache struct {
	mu           sync.RWMutex
	capacity     int
	ttl          time.Duration
	items        map[string]*list.Element
	evictionList *list.List
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		capacity:     capacity,
		ttl:          ttl,
		items:        make(map[string]*list.Element, capacity),
		evictionList: list.New(),
	}
}

// Get retrieves an item from the cache
func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.items[key]; found {
		entry := elem.Value.(*cacheEntry)

		if time.Now().After(entry.expiresAt) {
			c.removeElement(elem)
			return nil, false
		}

		c.evictionList.MoveToFront(elem)
		return entry.value, true
	}

	return nil, false
}

// Set adds or updates an item in the cache
func (c *LRUCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)

	if elem, found := c.items[key]; found {
		c.evictionList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return
	}

	elem := c.evictionList.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	c.items[key] = elem

	if c.evictionList.Len() > c.capacity {
		c.removeOldest()
	}
}

// Delete removes an item from the cache
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.items[key]; found {
		c.removeElement(elem)
	}
}

// Clear removes all items from the cache
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.evictionList.Init()
}

// Len returns the current number of items in the cache
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.evictionList.Len()
}

func (c *LRUCache) removeOldest() {
	if elem := c.evictionList.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.evictionList.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}

// CleanupExpired removes all expired items (should be called periodically)
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := c.evictionList.Back(); elem != nil; elem = next {
		next = elem.Prev()
		if now.After(elem.Value.(*cacheEntry).expiresAt) {
			c.removeElement(elem)
			removed++
		}
	}

	return removed
}
