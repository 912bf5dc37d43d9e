// Package tilestore assembles the process-wide singletons a tile storage
// deployment shares into one threaded value instead of package-level
// globals: cache accounting, the swap backend and its directory manager,
// the worker pool, and the metrics registry. Threading them through one
// value lets a test build a second, independent Context rather than
// fighting process-wide state; Context is that value.
//
// A Context on its own holds no tiles — it is the shared budget and
// machinery several independent buffers draw on. Call NewStorage to open
// one buffer's handler chain (cache -> mipmap -> swap) against it.
//
// Follows the usual startup sequence for this module's binaries: load
// settings, init logging, construct components in dependency order, wire
// an introspection HTTP server.
package tilestore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gegl-go/tilestore/internal/logger"
	"github.com/gegl-go/tilestore/internal/telemetry"
	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/cachehandler"
	"github.com/gegl-go/tilestore/pkg/config"
	"github.com/gegl-go/tilestore/pkg/metrics"

	// Registers the Prometheus collector constructors metrics.New*Collector
	// dispatches to.
	_ "github.com/gegl-go/tilestore/pkg/metrics/prometheus"

	"github.com/gegl-go/tilestore/pkg/slab"
	"github.com/gegl-go/tilestore/pkg/statsserver"
	"github.com/gegl-go/tilestore/pkg/swap"
	"github.com/gegl-go/tilestore/pkg/swapdir"
	"github.com/gegl-go/tilestore/pkg/workerpool"
)

// Context is the shared state every buffer opened against the same
// Settings draws on: the tile-data slab allocator, cache accounting, the
// swap backend (nil if swap is disabled), the worker pool, and, if
// metrics are enabled, a Prometheus registry and an introspection HTTP
// server.
type Context struct {
	Settings *config.Settings
	Geometry backend.Geometry

	Alloc    *slab.Allocator
	CacheCtx *cachehandler.Context
	Pool     *workerpool.Pool

	SwapDir *swapdir.Manager
	Swap    *swap.Backend

	Registry *prometheus.Registry

	statsOnce sync.Once
	statsSrv  *http.Server

	tracingShutdown   func(context.Context) error
	profilingShutdown func() error
}

// NewContext builds the process-wide singletons described by settings:
// the slab allocator, cache accounting context, worker pool, and, unless
// settings.Swap is empty, a swap directory manager (the swap backend itself
// is opened by the first NewStorage). If settings.Metrics.Enabled, the
// stats/introspection HTTP server on settings.Metrics.Port is started here
// when swap is disabled, and by the first NewStorage otherwise.
func NewContext(settings *config.Settings) (*Context, error) {
	geometry := backend.Geometry{
		TileWidth:  settings.TileWidth,
		TileHeight: settings.TileHeight,
	}

	ctx := &Context{
		Settings: settings,
		Geometry: geometry,
		Alloc:    slab.New(settings.TileCacheSize.Int64()),
		CacheCtx: cachehandler.NewContext(settings.TileCacheSize.Int64()),
		Pool:     workerpool.New(settings.Threads),
	}

	if settings.Swap != "" {
		dir, err := swapdir.New(settings.Swap)
		if err != nil {
			return nil, fmt.Errorf("tilestore: swap directory: %w", err)
		}
		ctx.SwapDir = dir
		// PxSize is only known per buffer, and the swap backend sizes its
		// blocks from Geometry.TileSize(), so the backend itself is built
		// by openSwap when the first Storage opens.
	}

	if settings.Metrics.Enabled {
		ctx.Registry = metrics.InitRegistry()
	}

	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:        settings.Tracing.Enabled,
		ServiceName:    "tilestore",
		ServiceVersion: settings.Tracing.ServiceVersion,
		Endpoint:       settings.Tracing.Endpoint,
		Insecure:       settings.Tracing.Insecure,
		SampleRate:     settings.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tilestore: init tracing: %w", err)
	}
	ctx.tracingShutdown = shutdown

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        settings.Profiling.Enabled,
		ServiceName:    "tilestore",
		ServiceVersion: settings.Tracing.ServiceVersion,
		Endpoint:       settings.Profiling.Endpoint,
		ProfileTypes:   settings.Profiling.ProfileTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("tilestore: init profiling: %w", err)
	}
	ctx.profilingShutdown = profilingShutdown

	// The stats server isn't started here: when swap is enabled, its
	// /debug/swap/gaps route needs the swap backend pointer, which only
	// exists once the first Storage resolves a pixel size (see openSwap).
	// EnsureStatsServer is called from NewStorage once that's settled, so
	// the server never binds to a stale nil swap backend.
	if settings.Swap == "" {
		if err := ctx.EnsureStatsServer(); err != nil {
			return nil, err
		}
	}

	return ctx, nil
}

// EnsureStatsServer starts the introspection HTTP server the first time
// it's called, if Settings.Metrics.Enabled; later calls are no-ops. Safe
// to call multiple times and from multiple goroutines.
func (c *Context) EnsureStatsServer() error {
	if !c.Settings.Metrics.Enabled {
		return nil
	}

	var startErr error
	c.statsOnce.Do(func() {
		startErr = c.startStatsServer()
	})
	return startErr
}

// openSwap lazily constructs the swap backend the first buffer's geometry
// (including pixel size) determines, since swap.New needs a full Geometry
// with PxSize set and a Context is built before any buffer's pixel format
// is known. Subsequent buffers sharing this Context reuse the same swap
// backend only if their pixel size matches; a single pixel format per
// storage is the common case, so this is not a limitation in practice.
func (c *Context) openSwap(geometry backend.Geometry) (*swap.Backend, error) {
	if c.SwapDir == nil {
		return nil, nil
	}
	if c.Swap != nil {
		if c.Swap.Geometry.PxSize != geometry.PxSize {
			return nil, fmt.Errorf("tilestore: swap backend already opened with pixel size %d, not %d",
				c.Swap.Geometry.PxSize, geometry.PxSize)
		}
		return c.Swap, nil
	}

	codec := swap.CodecFast
	if c.Settings.SwapCompression == "none" {
		codec = swap.CodecNone
	}

	c.Swap = swap.New(geometry, c.Alloc, c.SwapDir, c.Settings.TileCacheSize.Int64(), codec, swapLogger{})
	return c.Swap, nil
}

// startStatsServer wires pkg/statsserver against this Context's components
// and starts listening on Settings.Metrics.Port.
func (c *Context) startStatsServer() error {
	handler := statsserver.NewRouter(c.CacheCtx, c.Swap, c.Pool, c.Registry)
	c.statsSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Settings.Metrics.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", c.statsSrv.Addr)
	if err != nil {
		return fmt.Errorf("tilestore: stats server listen: %w", err)
	}

	go func() {
		if err := c.statsSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("stats server stopped", logger.Err(err))
		}
	}()

	return nil
}

// Close shuts down every component this Context started: the stats server,
// the swap backend's writer goroutine, and the swap directory's tracked
// files.
func (c *Context) Close() error {
	if c.statsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.statsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("tilestore: stats server shutdown: %w", err)
		}
	}

	if c.Swap != nil {
		c.Swap.Close()
	}
	if c.SwapDir != nil {
		c.SwapDir.Cleanup()
	}

	if c.tracingShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.tracingShutdown(shutdownCtx); err != nil {
			return fmt.Errorf("tilestore: tracing shutdown: %w", err)
		}
	}

	if c.profilingShutdown != nil {
		if err := c.profilingShutdown(); err != nil {
			return fmt.Errorf("tilestore: profiling shutdown: %w", err)
		}
	}

	return nil
}

// swapLogger adapts internal/logger's package-level Warn to swap.Logger.
type swapLogger struct{}

func (swapLogger) Warn(msg string, args ...any) { logger.Warn(msg, args...) }
