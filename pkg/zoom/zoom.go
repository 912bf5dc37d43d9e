// Package zoom implements the mipmap handler: a non-terminal tile source
// that synthesises level z tiles on demand from their four level z-1
// children, downscaling each damaged quadrant with a 2x2 box filter.
//
// A request for z == 0 always passes straight through. For z > 0, the
// handler only does work when the downstream source's answer is absent or
// damaged; a clean tile from downstream (e.g. one already computed by an
// operation and stored explicitly) is returned untouched.
package zoom

import (
	"context"

	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/slab"
	"github.com/gegl-go/tilestore/pkg/tile"
	"github.com/gegl-go/tilestore/pkg/tilesource"
)

// PixelFormat identifies the pixel layout the box-downscale filter knows
// how to average. The dispatch set is deliberately small — this package
// covers only the formats this module's test scenarios exercise; resampling
// kernels for other formats, and any CPU-feature-dispatched SIMD path, are
// out of scope.
type PixelFormat int

const (
	// FormatRGBAU8 is four interleaved uint8 channels per pixel.
	FormatRGBAU8 PixelFormat = iota

	// FormatRGBAF32 is four interleaved float32 channels per pixel.
	FormatRGBAF32
)

// Tracker receives notice the first time a level above 0 is requested for
// a storage, so the cache handler can decide whether damage propagation to
// higher mipmap levels is worth paying for on every unlock ("SeenZoom").
type Tracker interface {
	MarkZoomSeen()
}

// Handler is the mipmap (zoom) tile source.
type Handler struct {
	tilesource.Base

	geometry backend.Geometry
	format   PixelFormat
	tracker  Tracker
	alloc    *slab.Allocator

	// top is the chain entry point recursive child fetches are issued
	// against, so that pulling a level z-1 tile benefits from any cache
	// sitting above this handler ("cache-assisted"). Defaults
	// to the handler itself if never set, so the handler still works when
	// wired directly onto a backend with no cache above it.
	top tilesource.Source

	downscale downscaleFunc
}

// New creates a mipmap handler over next (typically the swap backend or a
// buffer-backed backend). Geometry gives the tile dimensions every level
// shares (tile-space coordinates already encode the resolution change;
// pixel dimensions stay constant across levels). The downscale function is
// resolved lazily from format on first use.
func New(geometry backend.Geometry, format PixelFormat, alloc *slab.Allocator, next tilesource.Source) *Handler {
	return &Handler{
		Base:     tilesource.NewBase(next),
		geometry: geometry,
		format:   format,
		alloc:    alloc,
	}
}

// SetTop wires the chain entry point used for recursive child fetches. Call
// this after assembling the full chain (cache -> zoom -> swap/backend),
// passing the cache (or whatever sits at the top) so that level z-1 child
// lookups get cached like any other GET.
func (h *Handler) SetTop(top tilesource.Source) { h.top = top }

// SetTracker registers the callback notified the first time a level above 0
// is requested.
func (h *Handler) SetTracker(t Tracker) { h.tracker = t }

// Command implements tilesource.Source.
func (h *Handler) Command(ctx context.Context, req tilesource.Request) any {
	if req.Command != tilesource.Get {
		return h.Forward(ctx, req)
	}
	return h.getTile(ctx, req.X, req.Y, req.Z)
}

func (h *Handler) top_() tilesource.Source {
	if h.top != nil {
		return h.top
	}
	return h
}

func (h *Handler) getTile(ctx context.Context, x, y, z int) *tile.Tile {
	var t *tile.Tile
	if next := h.Next(); next != nil {
		if result, _ := next.Command(ctx, tilesource.Request{Command: tilesource.Get, X: x, Y: y, Z: z}).(*tile.Tile); result != nil {
			t = result
		}
	}

	if z == 0 || (t != nil && !t.Damaged()) {
		return t
	}

	if h.tracker != nil {
		h.tracker.MarkZoomSeen()
	}

	var damage uint64
	if t != nil {
		damage = t.DamageMask()
	} else {
		damage = ^uint64(0)
	}

	var children [2][2]*tile.Tile
	empty := true

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			mask := quadrantMask(damage, i, j)
			if mask == 0 {
				// This quadrant wasn't damaged: whatever data is already
				// there is valid, so the tile isn't "empty" on its account.
				empty = false
				continue
			}

			if t != nil {
				t.ClearDamage()
			}

			child, _ := h.top_().Command(ctx, tilesource.Request{
				Command: tilesource.Get, X: x*2 + i, Y: y*2 + j, Z: z - 1,
			}).(*tile.Tile)

			if child == nil {
				continue
			}
			if child.IsZeroTile() {
				child.Unref()
				continue
			}

			children[i][j] = child
			empty = false
		}
	}

	if empty {
		if t != nil {
			t.Unref()
		}
		return nil
	}

	if t == nil {
		t = tile.New(h.alloc, h.geometry.TileSize())
	}

	h.ensureDownscale()

	t.Lock()
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			mask := quadrantMask(damage, i, j)
			if mask == 0 {
				continue
			}

			dx := i * h.geometry.TileWidth / 2
			dy := j * h.geometry.TileHeight / 2

			if children[i][j] != nil {
				h.downscale(children[i][j].Data(), t.Data(), h.geometry, dx, dy)
				children[i][j].Unref()
			} else {
				zeroFill(t.Data(), h.geometry, dx, dy)
			}
		}
	}
	t.Unlock()

	return t
}

// quadrantMask extracts the 16-bit sub-mask of damage covering quadrant
// (i, j) of the tile's 8x8 damage grid, matching the shift scheme
// (32*j + 16*i) the mipmap handler this package is grounded on uses.
func quadrantMask(damage uint64, i, j int) uint16 {
	shift := uint(32*j + 16*i)
	return uint16((damage >> shift) & 0xffff)
}

func zeroFill(dst []byte, geometry backend.Geometry, dx, dy int) {
	bpp := geometry.PxSize
	stride := geometry.TileWidth * bpp
	w := (geometry.TileWidth / 2) * bpp
	h := geometry.TileHeight / 2

	for row := 0; row < h; row++ {
		off := (dy+row)*stride + dx*bpp
		clear(dst[off : off+w])
	}
}
