package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gegl-go/tilestore/pkg/cachehandler"
)

// NewCacheCollector returns a Prometheus collector exposing ctx's
// cache_total/cache_total_uncloned/cache_total_max gauges and hit/miss
// counters, sampled from ctx.Stats() at scrape time.
//
// Returns nil if metrics are not enabled (InitRegistry not called); callers
// should skip registering a nil collector, which is the zero-overhead path.
func NewCacheCollector(ctx *cachehandler.Context) prometheus.Collector {
	if !IsEnabled() {
		return nil
	}

	return newPrometheusCacheCollector(ctx)
}

// newPrometheusCacheCollector is implemented in pkg/metrics/prometheus/cache.go.
// This indirection keeps prometheus metric construction out of this
// package and dodges an import cycle.
var newPrometheusCacheCollector func(*cachehandler.Context) prometheus.Collector

// RegisterCacheCollectorConstructor registers the Prometheus cache collector
// constructor. Called by pkg/metrics/prometheus/cache.go during package
// initialization.
func RegisterCacheCollectorConstructor(ctor func(*cachehandler.Context) prometheus.Collector) {
	newPrometheusCacheCollector = ctor
}
