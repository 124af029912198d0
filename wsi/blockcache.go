package wsi

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// errStatusLabel classifies an error's Kind into the label
// bucketRequestDuration's histogram is vectored by.
func errStatusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).Code()
}

// DefaultBlockSize is the deployment constant from spec §3 (256 KiB).
const DefaultBlockSize = 262144

// blockKey identifies one fixed-size aligned block of one object, per
// spec §3's Block definition.
type blockKey struct {
	objectID string
	index    int64
}

// cacheKey hashes the object id with xxhash so map/singleflight keys stay
// short and fixed-size regardless of how long a slide id or bucket key is,
// the same role xxhash plays for cache keys in other pack repos.
func (k blockKey) cacheKey() string {
	h := xxhash.Sum64String(k.objectID)
	return strconv.FormatUint(h, 16) + "#" + strconv.FormatInt(k.index, 10)
}

// BlockCache wraps a RangeReader per object with block-level caching and
// singleflight deduplication, exactly the layer spec §4.2 describes. One
// BlockCache is shared across every slide and reader in the process (spec
// §9 "Global state").
type BlockCache struct {
	blockSize int64
	group     singleflight.Group
	metrics   *cacheMetrics
	duration  *bucketRequestDuration

	mu        sync.Mutex
	entries   map[string]*list.Element
	evictList *list.List
	totalSize int64
	capacity  int64 // bytes
}

type blockCacheEntry struct {
	key  blockKey
	data []byte
}

// NewBlockCache builds a block cache with the given block size and byte
// capacity. A capacity of 0 means unbounded (eviction never triggers),
// matching the teacher's cache-disabled-if-zero convention in
// pmtiles.NewServer (cacheSize is always positive there, but the zero
// value is handled the same defensive way). duration may be nil, in which
// case underlying range-read timing goes unrecorded.
func NewBlockCache(blockSize int64, capacityBytes int64, metrics *cacheMetrics, duration *bucketRequestDuration) *BlockCache {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BlockCache{
		blockSize: blockSize,
		metrics:   metrics,
		duration:  duration,
		entries:   make(map[string]*list.Element),
		evictList: list.New(),
		capacity:  capacityBytes,
	}
}

// objectReader is the tuple a BlockCache needs to fetch a missing block:
// an object id for cache keying, and the RangeReader to fetch from.
type objectReader struct {
	id     string
	reader RangeReader
}

// boundSource adapts one (BlockCache, object) pair to the Source
// interface (tiff.go) the TIFF parser and slide reader consume, so neither needs to
// know blocks or singleflight exist.
type boundSource struct {
	cache *BlockCache
	obj   objectReader
}

func (b boundSource) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	return b.cache.ReadExactAt(ctx, b.obj, offset, length)
}

// NewBoundSource builds the Source a slide opener passes to OpenSlide:
// every read for objectID funnels through cache's block-level caching and
// singleflight dedup (spec §4.2).
func NewBoundSource(cache *BlockCache, objectID string, reader RangeReader) Source {
	return boundSource{cache: cache, obj: objectReader{id: objectID, reader: reader}}
}

// ReadExactAt implements the read_exact_at(O, L) contract from spec §4.2,
// resolving blocks [first, last] and concatenating the relevant slices.
func (c *BlockCache) ReadExactAt(ctx context.Context, obj objectReader, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, NewError(KindIoError, "length must be positive", nil)
	}
	size, err := obj.reader.Size(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+length > size {
		return nil, NewError(KindIoError, "range exceeds object size", nil)
	}

	first := offset / c.blockSize
	last := (offset + length - 1) / c.blockSize

	out := make([]byte, 0, length)
	for idx := first; idx <= last; idx++ {
		block, err := c.getBlock(ctx, obj, idx, size)
		if err != nil {
			return nil, err
		}
		blockStart := idx * c.blockSize
		readStart := int64(0)
		if offset > blockStart {
			readStart = offset - blockStart
		}
		readEnd := int64(len(block))
		if blockEnd := blockStart + int64(len(block)); offset+length < blockEnd {
			readEnd = offset + length - blockStart
		}
		out = append(out, block[readStart:readEnd]...)
	}
	return out, nil
}

// getBlock resolves one block, serving from cache, joining an in-flight
// fetch, or issuing exactly one aligned range read. This is spec §4.2's
// singleflight contract, backed by golang.org/x/sync/singleflight the
// same way the teacher pulls in golang.org/x/sync for errgroup fan-out.
func (c *BlockCache) getBlock(ctx context.Context, obj objectReader, idx, objSize int64) ([]byte, error) {
	key := blockKey{objectID: obj.id, index: idx}
	sk := key.cacheKey()

	c.mu.Lock()
	if el, ok := c.entries[sk]; ok {
		c.evictList.MoveToFront(el)
		entry := el.Value.(*blockCacheEntry)
		c.mu.Unlock()
		c.metrics.hit()
		return entry.data, nil
	}
	c.mu.Unlock()
	c.metrics.miss()

	v, err, _ := c.group.Do(sk, func() (interface{}, error) {
		// Re-check under the group: an earlier fetch of this block may have
		// published it between the miss above and this call.
		c.mu.Lock()
		if el, ok := c.entries[sk]; ok {
			data := el.Value.(*blockCacheEntry).data
			c.mu.Unlock()
			return data, nil
		}
		c.mu.Unlock()

		blockStart := idx * c.blockSize
		blockEnd := blockStart + c.blockSize
		if blockEnd > objSize {
			blockEnd = objSize
		}
		data, err := fetchWithRetry(ctx, obj.reader, blockStart, blockEnd-blockStart, c.duration)
		if err != nil {
			return nil, err
		}
		c.insert(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *BlockCache) insert(key blockKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sk := key.cacheKey()
	if _, ok := c.entries[sk]; ok {
		return // another goroutine already published this block
	}

	entry := &blockCacheEntry{key: key, data: data}
	el := c.evictList.PushFront(entry)
	c.entries[sk] = el
	c.totalSize += int64(len(data))

	for c.capacity > 0 && c.totalSize > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.evictList.Remove(back)
		evicted := back.Value.(*blockCacheEntry)
		delete(c.entries, evicted.key.cacheKey())
		c.totalSize -= int64(len(evicted.data))
	}
	c.metrics.updateSize(c.totalSize, len(c.entries))
}

// retryBackoffs are the exponential delays spec §7's propagation policy
// asks for: "retry the specific range read up to a small bounded number
// of times with exponential backoff".
var retryBackoffs = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

func fetchWithRetry(ctx context.Context, reader RangeReader, offset, length int64, duration *bucketRequestDuration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		start := time.Now()
		data, err := reader.ReadRange(ctx, offset, length)
		duration.observe(start, errStatusLabel(err))
		if err == nil {
			return data, nil
		}
		lastErr = err
		if KindOf(err) != KindTransport {
			return nil, err
		}
		if attempt < len(retryBackoffs) {
			select {
			case <-time.After(retryBackoffs[attempt]):
			case <-ctx.Done():
				return nil, NewError(KindConnectionError, "canceled during retry backoff", ctx.Err())
			}
		}
	}
	return nil, lastErr
}
