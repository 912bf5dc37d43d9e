package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gegl-go/tilestore/pkg/metrics"
	"github.com/gegl-go/tilestore/pkg/workerpool"
)

func init() {
	metrics.RegisterWorkerPoolCollectorConstructor(func(pool *workerpool.Pool) prometheus.Collector {
		return newWorkerPoolCollector(pool)
	})
}

// workerPoolCollector samples a *workerpool.Pool's configuration and
// calibration at scrape time.
type workerPoolCollector struct {
	pool *workerpool.Pool

	threads    *prometheus.Desc
	threadCost *prometheus.Desc
}

func newWorkerPoolCollector(pool *workerpool.Pool) *workerPoolCollector {
	return &workerPoolCollector{
		pool: pool,
		threads: prometheus.NewDesc(
			"gegl_tilestore_worker_pool_threads",
			"Configured worker pool concurrency.",
			nil, nil,
		),
		threadCost: prometheus.NewDesc(
			"gegl_tilestore_worker_pool_thread_cost_seconds",
			"Measured per-goroutine dispatch overhead used to pick the optimal thread count for a DistributeRange/DistributeArea call.",
			nil, nil,
		),
	}
}

func (c *workerPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.threads
	ch <- c.threadCost
}

func (c *workerPoolCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(c.pool.Threads()))
	ch <- prometheus.MustNewConstMetric(c.threadCost, prometheus.GaugeValue, c.pool.ThreadCost())
}
