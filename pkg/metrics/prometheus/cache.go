package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gegl-go/tilestore/pkg/cachehandler"
	"github.com/gegl-go/tilestore/pkg/metrics"
)

func init() {
	metrics.RegisterCacheCollectorConstructor(func(ctx *cachehandler.Context) prometheus.Collector {
		return newCacheCollector(ctx)
	})
}

// cacheCollector samples a *cachehandler.Context's counters at scrape
// time rather than updating metric objects on every Get/Set, since
// Context already keeps the running totals a cache handler needs for its
// own trim decisions.
type cacheCollector struct {
	ctx *cachehandler.Context

	total         *prometheus.Desc
	totalMax      *prometheus.Desc
	totalUncloned *prometheus.Desc
	hits          *prometheus.Desc
	misses        *prometheus.Desc
}

func newCacheCollector(ctx *cachehandler.Context) *cacheCollector {
	return &cacheCollector{
		ctx: ctx,
		total: prometheus.NewDesc(
			"gegl_tilestore_cache_total_bytes",
			"Current cache size in bytes, counted once per clone set.",
			nil, nil,
		),
		totalMax: prometheus.NewDesc(
			"gegl_tilestore_cache_total_max_bytes",
			"High-water mark of cache_total since the last stats reset.",
			nil, nil,
		),
		totalUncloned: prometheus.NewDesc(
			"gegl_tilestore_cache_total_uncloned_bytes",
			"Current cache size in bytes, counted once per cache entry (clones included).",
			nil, nil,
		),
		hits: prometheus.NewDesc(
			"gegl_tilestore_cache_hits_total",
			"Total number of tile GETs answered from the cache table.",
			nil, nil,
		),
		misses: prometheus.NewDesc(
			"gegl_tilestore_cache_misses_total",
			"Total number of tile GETs forwarded past the cache table.",
			nil, nil,
		),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.totalMax
	ch <- c.totalUncloned
	ch <- c.hits
	ch <- c.misses
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.ctx.Stats()

	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(stats.Total))
	ch <- prometheus.MustNewConstMetric(c.totalMax, prometheus.GaugeValue, float64(stats.TotalMax))
	ch <- prometheus.MustNewConstMetric(c.totalUncloned, prometheus.GaugeValue, float64(stats.TotalUncloned))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
}
