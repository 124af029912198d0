package wsi

import (
	"container/list"
	"context"
	"log"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

// DefaultSlideRegistryCapacity is spec §6's default (count of slides, not
// bytes).
const DefaultSlideRegistryCapacity = 100

// SlideOpener constructs a Source bound to one slide id's backing object.
// The registry calls this once per cold miss of a slide id (while the slide
// stays cached, opens are served from cache or joined via singleflight; an
// evicted or failed slide is opened again), so it is the natural seam
// for wiring a BlockCache + RangeReader pair without the registry needing
// to know about buckets at all.
type SlideOpener func(ctx context.Context, slideID string) (Source, error)

// Registry is the bounded LRU of opened slide descriptors from spec §4.6,
// with first-open deduplication mirroring the block cache's singleflight
// pattern (spec §9 "Concurrency primitive choice").
type Registry struct {
	capacity int
	opener   SlideOpener
	group    singleflight.Group
	metrics  *cacheMetrics
	logger   *log.Logger

	mu        sync.Mutex
	entries   map[string]*list.Element
	evictList *list.List
}

type registryEntry struct {
	slideID string
	desc    *SlideDescriptor
}

// NewRegistry builds a slide registry. opener is invoked on every cold
// miss to produce the Source that OpenSlide will parse. logger may be nil,
// in which case eviction events go unlogged.
func NewRegistry(capacity int, opener SlideOpener, metrics *cacheMetrics, logger *log.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultSlideRegistryCapacity
	}
	return &Registry{
		capacity:  capacity,
		opener:    opener,
		metrics:   metrics,
		logger:    logger,
		entries:   make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// descriptorByteSize estimates a slide's on-disk footprint by summing the
// tile byte counts across every level, purely for human-readable eviction
// logging; it is not used for any capacity accounting.
func descriptorByteSize(desc *SlideDescriptor) uint64 {
	var total uint64
	for _, lvl := range desc.Levels {
		for _, n := range lvl.TileByteCounts {
			total += n
		}
	}
	return total
}

// Get returns the slide descriptor for slideID, opening it on first
// reference. Concurrent misses for the same id await a single in-flight
// open (spec §4.6 "First-open deduplication").
func (r *Registry) Get(ctx context.Context, slideID string) (*SlideDescriptor, error) {
	r.mu.Lock()
	if el, ok := r.entries[slideID]; ok {
		r.evictList.MoveToFront(el)
		desc := el.Value.(*registryEntry).desc
		r.mu.Unlock()
		r.metrics.hit()
		return desc, nil
	}
	r.mu.Unlock()
	r.metrics.miss()

	v, err, _ := r.group.Do(slideID, func() (interface{}, error) {
		// Re-check under the group: another goroutine may have published
		// this slide while we were waiting to be scheduled.
		r.mu.Lock()
		if el, ok := r.entries[slideID]; ok {
			desc := el.Value.(*registryEntry).desc
			r.mu.Unlock()
			return desc, nil
		}
		r.mu.Unlock()

		src, err := r.opener(ctx, slideID)
		if err != nil {
			return nil, err
		}
		desc, err := OpenSlide(ctx, slideID, src)
		if err != nil {
			return nil, err
		}
		r.insert(slideID, desc)
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SlideDescriptor), nil
}

func (r *Registry) insert(slideID string, desc *SlideDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[slideID]; ok {
		return
	}
	el := r.evictList.PushFront(&registryEntry{slideID: slideID, desc: desc})
	r.entries[slideID] = el

	for r.evictList.Len() > r.capacity {
		back := r.evictList.Back()
		if back == nil {
			break
		}
		r.evictList.Remove(back)
		evicted := back.Value.(*registryEntry)
		delete(r.entries, evicted.slideID)
		if r.logger != nil {
			r.logger.Printf("registry: evicted slide %q (%s) to stay within capacity %d",
				evicted.slideID, humanize.Bytes(descriptorByteSize(evicted.desc)), r.capacity)
		}
	}
	r.metrics.updateSize(0, len(r.entries))
}
