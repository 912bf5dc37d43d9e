package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gegl-go/tilestore/pkg/workerpool"
)

// NewWorkerPoolCollector returns a Prometheus collector exposing the pool's
// configured thread count and measured thread_cost, sampled from pool at
// scrape time.
//
// Returns nil if metrics are not enabled.
func NewWorkerPoolCollector(pool *workerpool.Pool) prometheus.Collector {
	if !IsEnabled() {
		return nil
	}

	return newPrometheusWorkerPoolCollector(pool)
}

// newPrometheusWorkerPoolCollector is implemented in
// pkg/metrics/prometheus/workerpool.go.
var newPrometheusWorkerPoolCollector func(*workerpool.Pool) prometheus.Collector

// RegisterWorkerPoolCollectorConstructor registers the Prometheus worker
// pool collector constructor. Called by
// pkg/metrics/prometheus/workerpool.go during package initialization.
func RegisterWorkerPoolCollectorConstructor(ctor func(*workerpool.Pool) prometheus.Collector) {
	newPrometheusWorkerPoolCollector = ctor
}
