// Package bufferbackend implements the nested-buffer backend: a terminal
// tile source whose storage is itself the top of another tile storage's
// chain, so one buffer can be backed directly by another instead of by a
// swap file.
//
// Grounded on GEGL's gegl-tile-backend-buffer.c.
package bufferbackend

import (
	"context"

	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/tile"
	"github.com/gegl-go/tilestore/pkg/tilesource"
)

// CacheInserter is implemented by the cache handler sitting atop the
// wrapped buffer's chain: it lets SET place a duplicated tile directly into
// that buffer's cache, bypassing its own backend entirely, matching
// gegl_tile_handler_cache_insert's direct-insert path.
type CacheInserter interface {
	InsertExternal(t *tile.Tile, x, y, z int)
}

// ChangeNotifier is implemented by a caller that wants to know when a tile
// under this backend changes (the original's "changed" signal, used by UI
// layers to repaint). Optional: Backend works without one.
type ChangeNotifier interface {
	TileChanged(rect backend.Rect)
}

// Backend forwards tile commands to target, the top of another storage's
// handler chain (typically a *cachehandler.Cache), so this buffer's
// contents are the other buffer's contents rather than an independent copy
// on disk.
type Backend struct {
	backend.Base

	target   tilesource.Source
	inserter CacheInserter
	notifier ChangeNotifier

	skipCopyForward bool
}

// New creates a nested-buffer backend over target. inserter, if non-nil,
// lets SET place tiles directly into target's cache (pass target itself
// when it implements CacheInserter, i.e. is a *cachehandler.Cache).
// skipCopyForward mirrors the original's avoidance of forwarding COPY when
// the wrapped buffer has user-installed tile handlers that a raw data copy
// would bypass; pass true when target's chain includes such a handler.
func New(geometry backend.Geometry, target tilesource.Source, inserter CacheInserter, skipCopyForward bool) *Backend {
	return &Backend{
		Base:            backend.NewBase(geometry),
		target:          target,
		inserter:        inserter,
		skipCopyForward: skipCopyForward,
	}
}

// SetNotifier installs (or clears, with nil) the change notifier called
// after a SET or a forwarded VOID. A forwarded COPY does not notify.
func (b *Backend) SetNotifier(n ChangeNotifier) { b.notifier = n }

// Command implements tilesource.Source.
func (b *Backend) Command(ctx context.Context, req tilesource.Request) any {
	if b.target == nil {
		return b.Base.Command(ctx, req)
	}

	switch req.Command {
	case tilesource.Get:
		return b.getTile(ctx, req.X, req.Y, req.Z)

	case tilesource.Set:
		t, _ := req.Data.(*tile.Tile)
		b.setTile(t, req.X, req.Y, req.Z)
		return nil

	case tilesource.Void:
		return b.forward(ctx, req, true)

	case tilesource.Exist:
		return b.forward(ctx, req, false)

	case tilesource.Copy:
		if b.skipCopyForward {
			result := false
			return &result
		}
		return b.forward(ctx, req, false)

	default:
		return b.Base.Command(ctx, req)
	}
}

// getTile fetches the tile at (x, y, z) from target, duplicating it (this
// backend's own caller must be free to mutate its copy without disturbing
// the wrapped buffer) and marking it stored: it came from the wrapped
// buffer's own storage, so there is nothing further for this backend to
// persist.
func (b *Backend) getTile(ctx context.Context, x, y, z int) *tile.Tile {
	result := tilesource.Dispatch(ctx, b.target, tilesource.Get, x, y, z, nil)
	src, ok := result.(*tile.Tile)
	if !ok || src == nil {
		return nil
	}
	defer src.Unref()

	dup := src.Dup()
	dup.MarkAsStored()
	return dup
}

// setTile duplicates t and installs the duplicate directly into target's
// cache (when an inserter is configured) rather than sending it through a
// SET command, matching the direct gegl_tile_handler_cache_insert call the
// handler this is grounded on makes.
func (b *Backend) setTile(t *tile.Tile, x, y, z int) {
	if t == nil {
		return
	}

	dup := t.Dup()
	if b.inserter != nil {
		b.inserter.InsertExternal(dup, x, y, z)
	} else {
		tilesource.Dispatch(context.Background(), b.target, tilesource.Set, x, y, z, dup)
	}
	dup.Unref()

	b.notifyChanged(x, y, z)
}

func (b *Backend) forward(ctx context.Context, req tilesource.Request, notify bool) any {
	result := b.target.Command(ctx, req)
	if notify {
		b.notifyChanged(req.X, req.Y, req.Z)
	}
	return result
}

func (b *Backend) notifyChanged(x, y, z int) {
	if b.notifier == nil {
		return
	}

	width := b.Geometry.TileWidth >> uint(z)
	height := b.Geometry.TileHeight >> uint(z)
	b.notifier.TileChanged(backend.Rect{
		X:      x * width,
		Y:      y * height,
		Width:  width,
		Height: height,
	})
}
