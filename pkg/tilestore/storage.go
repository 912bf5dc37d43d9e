package tilestore

import (
	"context"
	"fmt"

	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/bufferbackend"
	"github.com/gegl-go/tilestore/pkg/cachehandler"
	"github.com/gegl-go/tilestore/pkg/processor"
	"github.com/gegl-go/tilestore/pkg/tile"
	"github.com/gegl-go/tilestore/pkg/tilesource"
	"github.com/gegl-go/tilestore/pkg/zoom"
)

// Storage is one buffer's tile handler chain: an LRU cache sitting on a
// mipmap handler sitting on a terminal backend (the context's shared swap
// backend, or an in-memory terminal if swap is disabled). Every Storage
// opened against the same Context shares that Context's cache budget,
// slab allocator, and swap backend.
type Storage struct {
	ctx      *Context
	geometry backend.Geometry
	format   zoom.PixelFormat
	cache    *cachehandler.Cache
	zoom     *zoom.Handler
}

// terminal is the in-memory fallback chain end used when a Context has no
// swap directory configured: every tile that falls out of cache is simply
// gone: an empty swap setting disables swap entirely.
type terminal struct {
	backend.Base
}

func newTerminal(geometry backend.Geometry) *terminal {
	b := backend.NewBase(geometry)
	return &terminal{Base: b}
}

// NewStorage opens a buffer with the given pixel size (bytes per pixel,
// e.g. 4 for interleaved RGBA-u8) and mipmap pixel format, wired as
// cache -> zoom -> swap (or an in-memory terminal if swap is disabled).
func (c *Context) NewStorage(pxSize int, format zoom.PixelFormat) (*Storage, error) {
	geometry := backend.Geometry{
		TileWidth:  c.Settings.TileWidth,
		TileHeight: c.Settings.TileHeight,
		PxSize:     pxSize,
	}

	var next tilesource.Source
	if c.Settings.Swap != "" {
		swapBackend, err := c.openSwap(geometry)
		if err != nil {
			return nil, fmt.Errorf("tilestore: open swap: %w", err)
		}
		next = swapBackend

		// The swap backend pointer is only settled once openSwap above has
		// run, so the stats server (if enabled) is started here rather
		// than eagerly in NewContext, avoiding binding its /debug routes
		// to a stale nil *swap.Backend.
		if err := c.EnsureStatsServer(); err != nil {
			return nil, fmt.Errorf("tilestore: stats server: %w", err)
		}
	} else {
		next = newTerminal(geometry)
	}

	zoomHandler := zoom.New(geometry, format, c.Alloc, next)
	cache := cachehandler.New(c.CacheCtx, zoomHandler)
	zoomHandler.SetTop(cache)
	zoomHandler.SetTracker(cache)

	return &Storage{
		ctx:      c,
		geometry: geometry,
		format:   format,
		cache:    cache,
		zoom:     zoomHandler,
	}, nil
}

// NewNestedStorage opens a buffer backed directly by another Storage's
// cache rather than by swap or an in-memory terminal, so the nested
// buffer's contents are the parent's contents instead of an independent
// copy on disk. Both storages share geometry and pixel format; parent
// must have been opened against the same or a compatible Context. SETs
// on the nested buffer are inserted directly into the parent's cache
// table (bypassing the parent's own backend), matching how a cropped or
// shared-backing sub-buffer behaves.
func (c *Context) NewNestedStorage(parent *Storage) (*Storage, error) {
	geometry := parent.geometry

	nested := bufferbackend.New(geometry, parent.cache, parent.cache, false)

	zoomHandler := zoom.New(geometry, parent.format, c.Alloc, nested)
	cache := cachehandler.New(c.CacheCtx, zoomHandler)
	zoomHandler.SetTop(cache)
	zoomHandler.SetTracker(cache)

	return &Storage{
		ctx:      c,
		geometry: geometry,
		format:   parent.format,
		cache:    cache,
		zoom:     zoomHandler,
	}, nil
}

// Geometry returns the tile geometry (including this buffer's pixel size)
// this storage was opened with.
func (s *Storage) Geometry() backend.Geometry {
	return s.geometry
}

// Top returns the chain's dispatch entry point: the cache handler, the
// Source every GET/SET/VOID/... command for this buffer should be sent
// to.
func (s *Storage) Top() tilesource.Source {
	return s.cache
}

// NewTile allocates a fresh, zeroed tile sized for this storage's
// geometry, drawing its data buffer from the context's shared slab
// allocator.
func (s *Storage) NewTile() *tile.Tile {
	return tile.New(s.ctx.Alloc, s.geometry.TileSize())
}

// Put writes t's current data into the cache at (x, y, z), as the
// equivalent of a backend handing a freshly produced tile to the chain:
// subsequent GETs at this coordinate hit the cache, and eviction persists
// it onward through the zoom/swap chain like any other cached tile.
func (s *Storage) Put(x, y, z int, t *tile.Tile) {
	s.cache.InsertExternal(t, x, y, z)
}

// Get issues a GET for (x, y, z) through the full chain: cache, then
// mipmap synthesis or swap/backend fetch on a miss. Returns nil if no
// handler produced a tile.
func (s *Storage) Get(ctx context.Context, x, y, z int) *tile.Tile {
	t, _ := tilesource.Dispatch(ctx, s.cache, tilesource.Get, x, y, z, nil).(*tile.Tile)
	return t
}

// Flush forces any buffered writes for (x, y, z) out toward swap.
func (s *Storage) Flush(ctx context.Context, x, y, z int) {
	tilesource.Dispatch(ctx, s.cache, tilesource.Flush, x, y, z, nil)
}

// Close tears down this buffer's cache: every cached tile is marked stored
// and released without being written onward, so dirty tiles are discarded
// rather than flushed to swap.
func (s *Storage) Close() {
	s.cache.Close()
}

// Warm pulls every tile rect overlaps at level through the chain into
// cache, in processor.DefaultChunkSize-sized pieces, blocking until the
// whole region is covered. Use this to pre-fault a region (e.g. a
// viewport) before a burst of GETs that must not pay the swap/mipmap
// latency one tile at a time.
func (s *Storage) Warm(ctx context.Context, rect backend.Rect, level int) error {
	p := processor.New(s.cache, s.geometry, rect, level, processor.DefaultChunkSize)
	return p.Work(ctx)
}
