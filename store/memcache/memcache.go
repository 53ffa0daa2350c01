// Package memcache provides the in-memory tier of the media cache: a strict
// per-class LRU over resolved entries, so repeat resolves of hot assets skip
// the metadata store entirely.
package memcache

import (
	"container/list"
	"sync"

	mediacache "github.com/wolfeidau/media-cache"
)

// Item is a resolved entry held in memory. It carries just enough to answer
// a resolve without touching disk metadata: the local path and size.
type Item struct {
	Key  mediacache.CacheKey
	Path string
	Size int64
}

// Cache is a strict LRU cache with independent capacity per asset class.
// A burst of thumbnail resolves can never push images or videos out, because
// each class has its own recency list. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	classes map[mediacache.AssetClass]*classCache
}

type classCache struct {
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

// New creates a cache with the given per-class item capacities. Classes with
// a capacity of zero or less are not cached: Put is a no-op and Get always
// misses.
func New(capacities map[mediacache.AssetClass]int) *Cache {
	c := &Cache{
		classes: make(map[mediacache.AssetClass]*classCache, len(capacities)),
	}
	for class, capacity := range capacities {
		if capacity <= 0 {
			continue
		}
		c.classes[class] = &classCache{
			capacity: capacity,
			order:    list.New(),
			items:    make(map[string]*list.Element, capacity),
		}
	}
	return c
}

// Get returns the cached item for key and marks it most recently used.
func (c *Cache) Get(key mediacache.CacheKey) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.classes[key.Class]
	if cc == nil {
		return Item{}, false
	}

	el, ok := cc.items[key.String()]
	if !ok {
		return Item{}, false
	}
	cc.order.MoveToFront(el)
	return el.Value.(Item), true
}

// Put inserts or refreshes an item as most recently used. When the class is
// at capacity the least recently used item is dropped.
func (c *Cache) Put(item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.classes[item.Key.Class]
	if cc == nil {
		return
	}

	k := item.Key.String()
	if el, ok := cc.items[k]; ok {
		el.Value = item
		cc.order.MoveToFront(el)
		return
	}

	cc.items[k] = cc.order.PushFront(item)

	for cc.order.Len() > cc.capacity {
		oldest := cc.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(Item)
		cc.order.Remove(oldest)
		delete(cc.items, evicted.Key.String())
	}
}

// Delete removes the item for key if present.
func (c *Cache) Delete(key mediacache.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.classes[key.Class]
	if cc == nil {
		return
	}

	if el, ok := cc.items[key.String()]; ok {
		cc.order.Remove(el)
		delete(cc.items, key.String())
	}
}

// PurgeClass removes all items of one class.
func (c *Cache) PurgeClass(class mediacache.AssetClass) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.classes[class]
	if cc == nil {
		return
	}
	cc.order.Init()
	cc.items = make(map[string]*list.Element, cc.capacity)
}

// Purge removes all items from all classes.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cc := range c.classes {
		cc.order.Init()
		cc.items = make(map[string]*list.Element, cc.capacity)
	}
}

// Len returns the number of cached items for a class.
func (c *Cache) Len(class mediacache.AssetClass) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.classes[class]
	if cc == nil {
		return 0
	}
	return cc.order.Len()
}
