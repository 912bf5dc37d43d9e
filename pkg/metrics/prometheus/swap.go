package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gegl-go/tilestore/pkg/metrics"
	"github.com/gegl-go/tilestore/pkg/swap"
)

func init() {
	metrics.RegisterSwapCollectorConstructor(func(backend *swap.Backend) prometheus.Collector {
		return newSwapCollector(backend)
	})
}

// swapCollector samples a *swap.Backend's counters at scrape time.
type swapCollector struct {
	backend *swap.Backend

	queuedBytes      *prometheus.Desc
	queueFull        *prometheus.Desc
	queueStalls      *prometheus.Desc
	compressionRatio *prometheus.Desc
	fileSize         *prometheus.Desc
	gaps             *prometheus.Desc
	freeBytes        *prometheus.Desc
}

func newSwapCollector(backend *swap.Backend) *swapCollector {
	return &swapCollector{
		backend: backend,
		queuedBytes: prometheus.NewDesc(
			"gegl_tilestore_swap_queued_bytes",
			"Bytes currently enqueued for (or being written by) the swap writer goroutine.",
			nil, nil,
		),
		queueFull: prometheus.NewDesc(
			"gegl_tilestore_swap_queue_full",
			"1 if the swap write queue is at its budget and new SETs are blocking, 0 otherwise.",
			nil, nil,
		),
		queueStalls: prometheus.NewDesc(
			"gegl_tilestore_swap_queue_stalls_total",
			"Total number of SETs that had to block for queue headroom.",
			nil, nil,
		),
		compressionRatio: prometheus.NewDesc(
			"gegl_tilestore_swap_compression_ratio",
			"Ratio of compressed bytes on disk to uncompressed tile bytes written.",
			nil, nil,
		),
		fileSize: prometheus.NewDesc(
			"gegl_tilestore_swap_file_size_bytes",
			"Current size of the swap file.",
			nil, nil,
		),
		gaps: prometheus.NewDesc(
			"gegl_tilestore_swap_gaps",
			"Number of free intervals in the swap file's gap list.",
			nil, nil,
		),
		freeBytes: prometheus.NewDesc(
			"gegl_tilestore_swap_free_bytes",
			"Total free bytes across the swap file's gap list.",
			nil, nil,
		),
	}
}

func (c *swapCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queuedBytes
	ch <- c.queueFull
	ch <- c.queueStalls
	ch <- c.compressionRatio
	ch <- c.fileSize
	ch <- c.gaps
	ch <- c.freeBytes
}

func (c *swapCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.backend.Stats()

	ch <- prometheus.MustNewConstMetric(c.queuedBytes, prometheus.GaugeValue, float64(stats.QueuedTotal))
	ch <- prometheus.MustNewConstMetric(c.queueFull, prometheus.GaugeValue, boolToFloat(stats.QueueFull))
	ch <- prometheus.MustNewConstMetric(c.queueStalls, prometheus.CounterValue, float64(stats.QueueStalls))

	ratio := 0.0
	if stats.TotalUncompressed > 0 {
		ratio = float64(stats.Total) / float64(stats.TotalUncompressed)
	}
	ch <- prometheus.MustNewConstMetric(c.compressionRatio, prometheus.GaugeValue, ratio)

	ch <- prometheus.MustNewConstMetric(c.fileSize, prometheus.GaugeValue, float64(stats.FileSize))
	ch <- prometheus.MustNewConstMetric(c.gaps, prometheus.GaugeValue, float64(stats.Gaps))
	ch <- prometheus.MustNewConstMetric(c.freeBytes, prometheus.GaugeValue, float64(stats.FreeBytes))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
