package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// FrameCache is an LRU cache of decoded frames keyed by file path. One
// cache may back several loaders, e.g. the train and val splits.
type FrameCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int

	hits   int64
	misses int64
}

type cacheEntry struct {
	path  string
	frame []float32
}

// NewFrameCache creates a cache holding at most capacity frames. A
// non-positive capacity disables caching.
func NewFrameCache(capacity int) *FrameCache {
	return &FrameCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// Get returns the cached frame for path. Callers must not modify it.
func (c *FrameCache) Get(path string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[path]; ok {
		c.order.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).frame, true
	}
	c.misses++
	return nil, false
}

// Put stores frame, evicting the least recently used entries over capacity.
func (c *FrameCache) Put(path string, frame []float32) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[path]; ok {
		elem.Value.(*cacheEntry).frame = frame
		c.order.MoveToFront(elem)
		return
	}
	c.entries[path] = c.order.PushFront(&cacheEntry{path: path, frame: frame})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).path)
	}
}

// Clear drops every entry. Statistics are cumulative and survive.
func (c *FrameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// ResetStats zeroes the hit and miss counters.
func (c *FrameCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = 0
	c.misses = 0
}

// Stats returns cache statistics
func (c *FrameCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Size: c.order.Len(), Capacity: c.capacity, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Hits     int64
	Misses   int64
	HitRate  float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d frames, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.Capacity, cs.Hits, cs.Misses, cs.HitRate)
}
