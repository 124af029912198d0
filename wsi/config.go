package wsi

// Config holds the deployment-tunable parameters from spec §6. It carries
// no file-format concept of its own; cmd/wsistreamer populates it from
// flags and passes its fields to NewBlockCache, NewRegistry, NewTileCache
// and its HTTP handler.
type Config struct {
	BlockSizeBytes           int64
	BlockCacheCapacityBytes  int64
	SlideRegistryCapacity    int
	TileCacheCapacityBytes   int64
	DefaultJPEGQuality       int
}

// DefaultConfig returns the defaults spec §6 names.
func DefaultConfig() Config {
	return Config{
		BlockSizeBytes:          DefaultBlockSize,
		BlockCacheCapacityBytes: 0, // unbounded unless overridden
		SlideRegistryCapacity:   DefaultSlideRegistryCapacity,
		TileCacheCapacityBytes:  DefaultTileCacheCapacityBytes,
		DefaultJPEGQuality:      80,
	}
}
