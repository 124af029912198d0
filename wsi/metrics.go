package wsi

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics is a generalization of pmtiles/server_metrics.go's metrics
// struct to the block cache: hit/miss counters and size gauges, registered
// once per cache instance so the block cache, slide registry, and tile
// cache each get their own labeled series.
type cacheMetrics struct {
	requests   *prometheus.CounterVec
	sizeBytes  prometheus.Gauge
	entries    prometheus.Gauge
	limitBytes prometheus.Gauge
}

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		if logger != nil {
			logger.Println(err)
		}
	}
	return metric
}

// NewMetricsOrNil builds a metrics bundle for one named cache ("block",
// "registry", "tile"), for callers outside this package (cmd/wsistreamer)
// that need to pass metrics into NewBlockCache/NewRegistry/NewTileCache
// without depending on the unexported cacheMetrics type by name.
func NewMetricsOrNil(name string, limitBytes int64, logger *log.Logger) *cacheMetrics {
	return newCacheMetrics(name, limitBytes, logger)
}

// newCacheMetrics builds a metrics bundle for one named cache ("block",
// "registry", "tile"). logger may be nil in tests.
func newCacheMetrics(name string, limitBytes int64, logger *log.Logger) *cacheMetrics {
	m := &cacheMetrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsistreamer",
			Subsystem: name,
			Name:      "requests_total",
			Help:      "Requests to the " + name + " cache by status (hit/miss)",
		}, []string{"status"})),
		sizeBytes: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsistreamer",
			Subsystem: name,
			Name:      "size_bytes",
			Help:      "Current " + name + " cache usage in bytes",
		})),
		entries: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsistreamer",
			Subsystem: name,
			Name:      "entries",
			Help:      "Number of entries in the " + name + " cache",
		})),
		limitBytes: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsistreamer",
			Subsystem: name,
			Name:      "limit_bytes",
			Help:      "Configured capacity of the " + name + " cache (bytes; slide count for the registry)",
		})),
	}
	m.limitBytes.Set(float64(limitBytes))
	return m
}

func (m *cacheMetrics) hit() {
	if m == nil {
		return
	}
	m.requests.WithLabelValues("hit").Inc()
}

func (m *cacheMetrics) miss() {
	if m == nil {
		return
	}
	m.requests.WithLabelValues("miss").Inc()
}

func (m *cacheMetrics) updateSize(sizeBytes int64, entries int) {
	if m == nil {
		return
	}
	m.sizeBytes.Set(float64(sizeBytes))
	m.entries.Set(float64(entries))
}

// bucketRequestDuration mirrors pmtiles/server_metrics.go's
// bucketRequestTracker: times one underlying range read for observability
// without coupling the block cache to how the timer is reported.
type bucketRequestDuration struct {
	hist *prometheus.HistogramVec
}

// NewBucketRequestDurationOrNil builds a bucket-request duration histogram
// for callers outside this package (cmd/wsistreamer) that need to pass it
// into NewBlockCache without depending on the unexported type by name.
func NewBucketRequestDurationOrNil(logger *log.Logger) *bucketRequestDuration {
	return newBucketRequestDuration(logger)
}

func newBucketRequestDuration(logger *log.Logger) *bucketRequestDuration {
	return &bucketRequestDuration{
		hist: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wsistreamer",
			Name:      "bucket_request_duration_seconds",
			Help:      "Duration of individual underlying range reads",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"})),
	}
}

func (b *bucketRequestDuration) observe(start time.Time, status string) {
	if b == nil {
		return
	}
	b.hist.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
