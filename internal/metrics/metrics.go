// Package metrics defines the Prometheus metric set shared by the facade and
// the remote engine, grounded on dcache's MetricSet/NewCache (cache.go):
// a hit counter labeled by origin, a latency histogram, and an error
// counter, registered once to the default registry and unregistered on
// Close.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Labels used across the hit/error counters, mirroring dcache's hitLables /
// errLables.
var (
	originLabels = []string{"origin"}
	opLabels     = []string{"op"}
	latencyBucketsMS = []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}
)

// Origin values naming which tier served a read. The facade does not use
// them: it labels the hit counter and the latency histogram with the
// engine's Name() ("memory", "redis", "file").
const (
	OriginMemory = "memory"
	OriginRemote = "remote"
	OriginFile   = "file"
	OriginMiss   = "miss"
)

// Set bundles the facade's Prometheus collectors.
type Set struct {
	Hits      *prometheus.CounterVec
	Misses    *prometheus.CounterVec
	Sets      *prometheus.CounterVec
	Deletes   *prometheus.CounterVec
	Errors    *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	registered bool
}

// New builds the metric set for appName and, if enable is true, registers it
// with the default Prometheus registry (mirroring NewCache's enableStats
// gate).
func New(appName string, enable bool) *Set {
	s := &Set{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_cache_hit_total", appName),
			Help: "cache hits by serving tier",
		}, originLabels),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_cache_miss_total", appName),
			Help: "cache misses",
		}, opLabels),
		Sets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_cache_set_total", appName),
			Help: "cache sets",
		}, opLabels),
		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_cache_delete_total", appName),
			Help: "cache deletes",
		}, opLabels),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_cache_error_total", appName),
			Help: "cache operation errors by operation",
		}, opLabels),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_cache_latency_ms", appName),
			Help:    "cache operation latency in milliseconds",
			Buckets: latencyBucketsMS,
		}, originLabels),
	}
	if enable {
		for _, c := range []prometheus.Collector{s.Hits, s.Misses, s.Sets, s.Deletes, s.Errors, s.LatencyMS} {
			if err := prometheus.Register(c); err != nil {
				log.Warn().Err(err).Msg("metrics: collector already registered")
			}
		}
		s.registered = true
	}
	return s
}

// Close unregisters every collector, mirroring dcache.Client.Close.
func (s *Set) Close() {
	if !s.registered {
		return
	}
	prometheus.Unregister(s.Hits)
	prometheus.Unregister(s.Misses)
	prometheus.Unregister(s.Sets)
	prometheus.Unregister(s.Deletes)
	prometheus.Unregister(s.Errors)
	prometheus.Unregister(s.LatencyMS)
}
