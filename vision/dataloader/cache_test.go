package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewFrameCache(2)
	c.Put("a", []float32{1})
	c.Put("b", []float32{2})

	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Put("c", []float32{3})
	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, v)
	_, ok = c.Get("c")
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, int64(3), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 75.0, s.HitRate, 1e-9)
	assert.Contains(t, s.String(), "2/2 frames")
}

func TestFrameCacheUpdateExisting(t *testing.T) {
	c := NewFrameCache(2)
	c.Put("a", []float32{1})
	c.Put("a", []float32{9})
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float32{9}, v)
	assert.Equal(t, 1, c.Stats().Size)
}

func TestFrameCacheDisabled(t *testing.T) {
	c := NewFrameCache(0)
	c.Put("a", []float32{1})
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestFrameCacheClearKeepsStats(t *testing.T) {
	c := NewFrameCache(4)
	c.Put("a", []float32{1})
	c.Get("a")
	c.Clear()

	_, ok := c.Get("a")
	assert.False(t, ok)
	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)

	c.ResetStats()
	assert.Equal(t, CacheStats{Capacity: 4}, c.Stats())
}

func TestFrameCacheConcurrentAccess(t *testing.T) {
	c := NewFrameCache(16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (w+i)%32)
				if _, ok := c.Get(key); !ok {
					c.Put(key, []float32{float32(i)})
				}
			}
		}(w)
	}
	wg.Wait()

	s := c.Stats()
	assert.LessOrEqual(t, s.Size, 16)
	assert.Equal(t, int64(800), s.Hits+s.Misses)
}
