// Package backend provides the shared geometry and lifecycle fields every
// terminal tile source (swap, buffer-backed) is built from: tile
// dimensions, pixel size, the storage's extent, and the flush-on-destroy
// policy.
package backend

import (
	"context"

	"github.com/gegl-go/tilestore/pkg/tilesource"
)

// Rect is an axis-aligned pixel rectangle, used for a backend's extent.
type Rect struct {
	X, Y, Width, Height int
}

// Geometry is the fixed shape every tile in a storage shares: width and
// height in pixels, and bytes per pixel for its format. TileSize is their
// product, the exact byte length every tile payload this backend deals in
// must have.
type Geometry struct {
	TileWidth  int
	TileHeight int
	PxSize     int
}

// TileSize returns the byte length of one tile's pixel data under this
// geometry.
func (g Geometry) TileSize() int {
	return g.TileWidth * g.TileHeight * g.PxSize
}

// Base is embedded by every terminal tile source. It supplies Geometry,
// extent tracking, and the default command handler every backend falls
// back to for a command it doesn't implement — matching the chain's
// forward-compatibility rule even at the chain's end, where there is
// nothing left to forward to.
type Base struct {
	tilesource.Base

	Geometry Geometry
	extent   Rect

	// FlushOnDestroy controls whether cached tiles are flushed through
	// this backend before it is torn down. Defaults to true; a caller
	// discarding a scratch storage can set it false to skip the write-back.
	FlushOnDestroy bool
}

// NewBase constructs a Base with the given geometry and flush-on-destroy
// defaulted to true.
func NewBase(geometry Geometry) Base {
	return Base{
		Base:           tilesource.NewBase(nil),
		Geometry:       geometry,
		FlushOnDestroy: true,
	}
}

// SetExtent records the storage's current pixel extent, used by operators
// that need to know the bounds of valid data (e.g. the processor clamping
// a requested region).
func (b *Base) SetExtent(r Rect) { b.extent = r }

// Extent returns the storage's current pixel extent.
func (b *Base) Extent() Rect { return b.extent }

// Command provides the terminal default: every command answers with the
// protocol's benign zero result. Concrete backends embed Base and override
// Command, delegating to this one (via Base.Command, not Forward — a
// backend has nothing downstream of it) for anything they don't implement.
func (b *Base) Command(_ context.Context, req tilesource.Request) any {
	switch req.Command {
	case tilesource.IsCached, tilesource.Exist, tilesource.Idle, tilesource.Copy:
		result := false
		return &result
	default:
		return nil
	}
}

// Next always returns nil for a bare Base: a concrete backend has nothing
// downstream of it unless it explicitly wraps another source (as
// pkg/bufferbackend does).
func (b *Base) Next() tilesource.Source { return nil }
