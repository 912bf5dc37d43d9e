// Package metrics exposes process-wide tile-storage metrics behind a
// nil-able, interface-typed sink: the public constructors here return a
// concrete *prometheus.Registry-backed implementation, but the
// implementation itself lives in pkg/metrics/prometheus and is wired in
// through a package-level constructor variable, so this package never
// imports prometheus.Collector construction details directly.
//
// The collectors here are pull-based: cachehandler.Context, swap.Backend
// and workerpool.Pool already aggregate the counters a scrape needs
// (Stats, ThreadCost), so a collector samples them at scrape time instead
// of every call site pushing an Observe.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection for the process and creates the
// registry collectors are registered against. Call once at startup, before
// constructing any collector; skipping it keeps every New*Collector call
// below returning nil, the zero-overhead path.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	enabled = true
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}
