package wsi

import (
	"container/list"
	"fmt"
	"sync"
)

// DefaultTileCacheCapacityBytes is spec §6's default (100 MiB).
const DefaultTileCacheCapacityBytes = 104857600

// TileKey identifies one encoded tile (spec §3 "Encoded tile key").
type TileKey struct {
	SlideID string
	Level   int
	X       int
	Y       int
	Quality int
}

func (k TileKey) cacheKey() string {
	return fmt.Sprintf("%s#%d#%d#%d#%d", k.SlideID, k.Level, k.X, k.Y, k.Quality)
}

// TileCache is the size-bounded LRU of encoded JPEG tiles from spec §4.7.
type TileCache struct {
	capacity int64
	metrics  *cacheMetrics

	mu        sync.Mutex
	entries   map[string]*list.Element
	evictList *list.List
	totalSize int64
}

type tileCacheEntry struct {
	key  TileKey
	data []byte
}

// NewTileCache builds a tile cache with the given byte budget.
func NewTileCache(capacityBytes int64, metrics *cacheMetrics) *TileCache {
	if capacityBytes <= 0 {
		capacityBytes = DefaultTileCacheCapacityBytes
	}
	return &TileCache{
		capacity:  capacityBytes,
		metrics:   metrics,
		entries:   make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached JPEG bytes for key, or (nil, false).
func (c *TileCache) Get(key TileKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key.cacheKey()]
	if !ok {
		c.metrics.miss()
		return nil, false
	}
	c.evictList.MoveToFront(el)
	c.metrics.hit()
	return el.Value.(*tileCacheEntry).data, true
}

// Put inserts data for key, evicting LRU entries until back under budget
// (spec §4.7 "Accounting is the sum of value sizes").
func (c *TileCache) Put(key TileKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sk := key.cacheKey()
	if el, ok := c.entries[sk]; ok {
		c.evictList.MoveToFront(el)
		return
	}

	el := c.evictList.PushFront(&tileCacheEntry{key: key, data: data})
	c.entries[sk] = el
	c.totalSize += int64(len(data))

	for c.totalSize > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.evictList.Remove(back)
		evicted := back.Value.(*tileCacheEntry)
		delete(c.entries, evicted.key.cacheKey())
		c.totalSize -= int64(len(evicted.data))
	}
	c.metrics.updateSize(c.totalSize, len(c.entries))
}
