package wsi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"gocloud.dev/blob"
)

// RangeReader is the capability described in spec §4.1: read exactly L
// bytes at offset O from a remote object, or fail with a taxonomy error.
// Implementations must be safe for concurrent use.
type RangeReader interface {
	// ReadRange returns exactly length bytes starting at offset.
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
	// Size returns the total object size, resolving it lazily on first call.
	Size(ctx context.Context) (int64, error)
}

// Bucket is the object-store client contract from spec §6: HEAD for size,
// GET with a byte range for data. gocloud's *blob.Bucket satisfies a
// superset of this directly; BucketRangeReader adapts it to RangeReader
// for one object key.
type Bucket interface {
	NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Attributes(ctx context.Context, key string) (*blob.Attributes, error)
}

// gocloudBucket adapts *blob.Bucket to Bucket.
type gocloudBucket struct {
	bucket *blob.Bucket
}

func (b gocloudBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return b.bucket.NewRangeReader(ctx, key, offset, length, nil)
}

func (b gocloudBucket) Attributes(ctx context.Context, key string) (*blob.Attributes, error) {
	return b.bucket.Attributes(ctx, key)
}

// OpenBucket opens a gocloud bucket for a bucketURL, mirroring the
// scheme-dispatch the teacher's pmtiles.OpenBucket performs (s3://,
// file://, ...). bucketURL is expected to already carry any
// S3-compatible endpoint query parameters gocloud's s3blob driver
// understands (e.g. "s3://bucket?endpoint=https://minio.local&s3ForcePathStyle=true").
func OpenBucket(ctx context.Context, bucketURL string) (Bucket, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, NewError(KindIoError, "failed to open bucket", err)
	}
	return gocloudBucket{b}, nil
}

// BucketRangeReader is a RangeReader backed by one key in a Bucket. It
// performs no caching; BlockCache wraps it to add that.
type BucketRangeReader struct {
	bucket Bucket
	key    string

	// size is resolved lazily and then immutable, matching the
	// object-handle contract in spec §3 ("total size in bytes
	// (discovered lazily)... Immutable after creation"). mu guards
	// size/have so concurrent callers can share one reader.
	mu   sync.Mutex
	size int64
	have bool
}

// NewBucketRangeReader builds a RangeReader for one object key.
func NewBucketRangeReader(bucket Bucket, key string) *BucketRangeReader {
	return &BucketRangeReader{bucket: bucket, key: key}
}

func (r *BucketRangeReader) Size(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.have {
		return r.size, nil
	}
	attrs, err := r.bucket.Attributes(ctx, r.key)
	if err != nil {
		return 0, classifyBucketError(err)
	}
	r.size = attrs.Size
	r.have = true
	return r.size, nil
}

func (r *BucketRangeReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, NewError(KindIoError, "length must be positive", nil)
	}
	r.mu.Lock()
	have, size := r.have, r.size
	r.mu.Unlock()
	if have && offset+length > size {
		return nil, NewError(KindIoError, "range exceeds object size", nil)
	}
	rc, err := r.bucket.NewRangeReader(ctx, r.key, offset, length)
	if err != nil {
		return nil, classifyBucketError(err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, NewError(KindIoError, "failed to read range body", err)
	}
	if int64(len(buf)) != length {
		return nil, NewError(KindIoError, fmt.Sprintf("short read: wanted %d got %d", length, len(buf)), nil)
	}
	return buf, nil
}

func classifyBucketError(err error) error {
	if blob.IsNotExist(err) {
		return NewError(KindNotFound, "object not found", err)
	}
	var ctxErr interface{ Timeout() bool }
	if errors.As(err, &ctxErr) && ctxErr.Timeout() {
		return NewError(KindTransport, "range read timed out", err)
	}
	return NewError(KindTransport, "range read failed", err)
}

// mockRangeReader is an in-memory RangeReader used by tests, the same role
// the teacher's mockBucket plays in bucket_test.go.
type mockRangeReader struct {
	data  []byte
	reads *int // counts underlying ReadRange calls, for singleflight assertions
}

func newMockRangeReader(data []byte, reads *int) *mockRangeReader {
	return &mockRangeReader{data: data, reads: reads}
}

func (m *mockRangeReader) Size(ctx context.Context) (int64, error) {
	return int64(len(m.data)), nil
}

func (m *mockRangeReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if m.reads != nil {
		*m.reads++
	}
	if offset < 0 || offset+length > int64(len(m.data)) {
		return nil, NewError(KindIoError, "out of range", nil)
	}
	out := make([]byte, length)
	copy(out, m.data[offset:offset+length])
	return out, nil
}

// ObjectKey normalizes a slide id into a bucket key by joining it under
// prefix; magic bytes are inspected separately (looksLikeTIFF in
// slide.go). It matches pmtiles.NormalizeBucketKey's job of separating
// bucket/key without pulling in URL-parsing concerns the spec scopes out.
func ObjectKey(prefix, slideID string) string {
	if prefix == "" || prefix == "." {
		return slideID
	}
	return path.Join(path.Clean(prefix), slideID)
}

func isAperioDescription(desc string) bool {
	return strings.Contains(desc, "Aperio")
}
