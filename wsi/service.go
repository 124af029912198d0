package wsi

import (
	"context"
	"fmt"
	"image"
	"log"

	"golang.org/x/sync/singleflight"
)

// Result is what get_tile returns to the HTTP boundary: the encoded bytes
// plus the response metadata spec §4.8 step 2 calls out (cache-hit,
// quality used).
type Result struct {
	JPEG     []byte
	CacheHit bool
	Quality  int
}

// Service implements get_tile (spec §4.8), wiring together the tile
// cache, slide registry, and decode/encode pipeline behind one entry
// point. One Service is built per process and shared by every request,
// matching spec §9's "Global state" note.
type Service struct {
	registry  *Registry
	tileCache *TileCache
	logger    *log.Logger
	group     singleflight.Group
	decode    func(raw []byte, compression uint16) (image.Image, error)
}

// NewService builds a tile service from an already-constructed registry
// and tile cache, so callers control exactly how the block cache and
// object store are wired underneath (see cmd/wsistreamer for the
// production wiring).
func NewService(registry *Registry, tileCache *TileCache, logger *log.Logger) *Service {
	return &Service{registry: registry, tileCache: tileCache, logger: logger, decode: decodeTile}
}

// GetTile implements spec §4.8's nine-step sequence.
func (s *Service) GetTile(ctx context.Context, slideID string, level, x, y, quality int) (*Result, error) {
	if quality < 1 || quality > 100 {
		return nil, NewError(KindInvalidQuality, fmt.Sprintf("quality %d outside [1,100]", quality), nil)
	}

	key := TileKey{SlideID: slideID, Level: level, X: x, Y: y, Quality: quality}
	if cached, ok := s.tileCache.Get(key); ok {
		return &Result{JPEG: cached, CacheHit: true, Quality: quality}, nil
	}

	// Concurrent misses for the same tile join a single decode rather than
	// each independently reading, decoding, and re-encoding (spec §8
	// scenario 6: "exactly one slide open and one tile decode").
	v, err, _ := s.group.Do(key.cacheKey(), func() (interface{}, error) {
		if cached, ok := s.tileCache.Get(key); ok {
			return cached, nil
		}

		desc, err := s.registry.Get(ctx, slideID)
		if err != nil {
			return nil, err
		}

		if level < 0 || level >= desc.LevelCount() {
			return nil, NewError(KindInvalidLevel, fmt.Sprintf("level %d out of range (have %d)", level, desc.LevelCount()), nil)
		}
		lvl := &desc.Levels[level]
		if x < 0 || x >= lvl.TilesX || y < 0 || y >= lvl.TilesY {
			return nil, NewError(KindTileOutOfBounds, fmt.Sprintf("tile (%d,%d) out of bounds for %dx%d grid", x, y, lvl.TilesX, lvl.TilesY), nil)
		}

		raw, err := desc.ReadTile(ctx, level, x, y)
		if err != nil {
			return nil, err
		}

		img, err := s.decode(raw, lvl.Compression)
		if err != nil {
			return nil, err
		}

		encoded, err := encodeJPEG(img, quality)
		if err != nil {
			return nil, err
		}

		s.tileCache.Put(key, encoded)
		return encoded, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{JPEG: v.([]byte), CacheHit: false, Quality: quality}, nil
}
