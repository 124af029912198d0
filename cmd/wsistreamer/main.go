package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/PABannier/WSIStreamer/wsi"
)

func main() {
	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)

	if len(os.Args) < 2 || os.Args[1] != "serve" {
		fmt.Println(`Usage: wsistreamer serve [-p PORT] [-prefix KEY_PREFIX] BUCKET_URL

Examples:
  wsistreamer serve "s3://my-slides-bucket"
  wsistreamer serve -p 9090 "file:///data/slides"`)
		os.Exit(1)
	}

	defaults := wsi.DefaultConfig()

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("p", 8080, "port to serve on")
	prefix := serveCmd.String("prefix", "", "object-key prefix prepended to every slide id")
	blockSize := serveCmd.Int64("block-size", defaults.BlockSizeBytes, "block cache block size in bytes")
	blockCacheCap := serveCmd.Int64("block-cache-bytes", defaults.BlockCacheCapacityBytes, "block cache capacity in bytes (0 = unbounded)")
	registryCap := serveCmd.Int("registry-capacity", defaults.SlideRegistryCapacity, "slide registry capacity (slide count)")
	tileCacheCap := serveCmd.Int64("tile-cache-bytes", defaults.TileCacheCapacityBytes, "tile cache capacity in bytes")
	defaultQuality := serveCmd.Int("quality", defaults.DefaultJPEGQuality, "default JPEG quality when a request omits ?quality=")
	serveCmd.Parse(os.Args[2:])

	bucketURL := serveCmd.Arg(0)
	if bucketURL == "" {
		logger.Println("USAGE: wsistreamer serve [-p PORT] BUCKET_URL")
		os.Exit(1)
	}

	cfg := wsi.Config{
		BlockSizeBytes:          *blockSize,
		BlockCacheCapacityBytes: *blockCacheCap,
		SlideRegistryCapacity:   *registryCap,
		TileCacheCapacityBytes:  *tileCacheCap,
		DefaultJPEGQuality:      *defaultQuality,
	}

	ctx := context.Background()
	bucket, err := wsi.OpenBucket(ctx, bucketURL)
	if err != nil {
		logger.Fatalf("failed to open bucket %s: %v", bucketURL, err)
	}

	blockMetrics := wsi.NewMetricsOrNil("block", cfg.BlockCacheCapacityBytes, logger)
	registryMetrics := wsi.NewMetricsOrNil("registry", int64(cfg.SlideRegistryCapacity), logger)
	tileMetrics := wsi.NewMetricsOrNil("tile", cfg.TileCacheCapacityBytes, logger)
	bucketDuration := wsi.NewBucketRequestDurationOrNil(logger)

	blockCache := wsi.NewBlockCache(cfg.BlockSizeBytes, cfg.BlockCacheCapacityBytes, blockMetrics, bucketDuration)
	opener := newTileOpener(bucket, blockCache, *prefix)
	registry := wsi.NewRegistry(cfg.SlideRegistryCapacity, opener, registryMetrics, logger)
	tileCache := wsi.NewTileCache(cfg.TileCacheCapacityBytes, tileMetrics)
	svc := wsi.NewService(registry, tileCache, logger)

	srv := &tileServer{svc: svc, defaultQuality: cfg.DefaultJPEGQuality, logger: logger}
	http.Handle("/tiles/", srv)

	addr := fmtAddr(*port)
	logger.Printf("serving %s on %s", bucketURL, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
}
