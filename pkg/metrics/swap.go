package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gegl-go/tilestore/pkg/swap"
)

// NewSwapCollector returns a Prometheus collector exposing the swap
// backend's queue depth, queue-full/stall counters, gap-list fragmentation
// and compressed/uncompressed byte totals (from which the compression
// ratio is derived), sampled from backend.Stats() at scrape time.
//
// Returns nil if metrics are not enabled.
func NewSwapCollector(backend *swap.Backend) prometheus.Collector {
	if !IsEnabled() {
		return nil
	}

	return newPrometheusSwapCollector(backend)
}

// newPrometheusSwapCollector is implemented in pkg/metrics/prometheus/swap.go.
var newPrometheusSwapCollector func(*swap.Backend) prometheus.Collector

// RegisterSwapCollectorConstructor registers the Prometheus swap collector
// constructor. Called by pkg/metrics/prometheus/swap.go during package
// initialization.
func RegisterSwapCollectorConstructor(ctor func(*swap.Backend) prometheus.Collector) {
	newPrometheusSwapCollector = ctor
}
