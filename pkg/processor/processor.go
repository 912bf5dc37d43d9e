// Package processor walks a pixel region at a given mipmap level in
// tile-aligned chunks, reporting incremental progress as it goes.
//
// Grounded on GEGL's gegl-processor.c, stripped of everything tied to its
// operation graph (GeglNode, GeglOperationContext, region-set algebra):
// this substrate has no graph to walk, only a tile source chain to warm or
// a raw blit callback to drive, so Processor keeps the chunk-splitting
// arithmetic and the tick/progress protocol and drops the node-graph
// plumbing built around them.
package processor

import (
	"context"

	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/tile"
	"github.com/gegl-go/tilestore/pkg/tilesource"
)

// DefaultChunkSize is the chunk area, in level-0 pixels, a Processor splits
// work into before scaling for level. Matches the default the handler this
// is grounded on constructs with (128*128).
const DefaultChunkSize = 128 * 128

// BlitFunc renders rect directly (the unbuffered path: no tile cache sits
// between the processor and the destination).
type BlitFunc func(ctx context.Context, rect backend.Rect, level int) error

// Processor incrementally covers a requested region at a fixed mipmap
// level, one chunk at a time, via Tick. Construct with New (buffered: pulls
// tiles through a tilesource.Source, populating its cache) or NewUnbuffered
// (drives a BlitFunc directly).
type Processor struct {
	source    tilesource.Source
	blit      BlitFunc
	geometry  backend.Geometry
	level     int
	chunkSize int

	region  backend.Rect
	pending []backend.Rect // LIFO work stack

	covered int64
}

// New creates a buffered Processor that warms source's cache for region at
// level, chunking work at chunkSize level-0 pixels (use DefaultChunkSize
// absent a better estimate).
func New(source tilesource.Source, geometry backend.Geometry, region backend.Rect, level, chunkSize int) *Processor {
	return &Processor{
		source:    source,
		geometry:  geometry,
		level:     level,
		chunkSize: chunkSize,
		region:    region,
		pending:   []backend.Rect{region},
	}
}

// NewUnbuffered creates a Processor that calls blit directly for each chunk
// instead of going through a tile source's cache.
func NewUnbuffered(blit BlitFunc, region backend.Rect, level, chunkSize int) *Processor {
	return &Processor{
		blit:      blit,
		level:     level,
		chunkSize: chunkSize,
		region:    region,
		pending:   []backend.Rect{region},
	}
}

// Done reports whether every chunk of the requested region has been
// processed.
func (p *Processor) Done() bool { return len(p.pending) == 0 }

// Progress returns the covered fraction of the requested region's area, in
// [0, 1]. An empty region reports 1.0 once done, 0.999 otherwise (there is
// nothing to measure progress against, but work may still be pending — the
// caller should keep ticking), matching the handler this is grounded on.
func (p *Processor) Progress() float64 {
	wanted := int64(p.region.Width) * int64(p.region.Height)
	if wanted == 0 {
		if p.Done() {
			return 1.0
		}
		return 0.999
	}

	ratio := float64(p.covered) / float64(wanted)
	if ratio >= 1.0 && !p.Done() {
		return 0.9999
	}
	return ratio
}

// Tick performs one unit of work: either splitting the largest pending
// chunk (if it's bigger than this level's max chunk area) or processing the
// next chunk in full. It reports whether more work remains.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	if len(p.pending) == 0 {
		return false, nil
	}

	top := len(p.pending) - 1
	rect := p.pending[top]

	maxArea := p.chunkSize * (1 << uint(p.level)) * (1 << uint(p.level))
	if rect.Width*rect.Height > maxArea {
		band, remainder := split(rect)
		p.pending[top] = remainder
		p.pending = append(p.pending, band)
		return true, nil
	}

	p.pending = p.pending[:top]

	if rect.Width <= 0 || rect.Height <= 0 {
		return len(p.pending) > 0, nil
	}

	if err := p.process(ctx, rect); err != nil {
		return len(p.pending) > 0, err
	}

	p.covered += int64(rect.Width) * int64(rect.Height)
	return len(p.pending) > 0, nil
}

// Work runs Tick until no work remains or an error occurs.
func (p *Processor) Work(ctx context.Context) error {
	for {
		more, err := p.Tick(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

func (p *Processor) process(ctx context.Context, rect backend.Rect) error {
	if p.blit != nil {
		return p.blit(ctx, rect, p.level)
	}
	return p.warmCache(ctx, rect)
}

// warmCache fetches (and immediately releases) every tile of the geometry's
// grid that rect overlaps at p.level, the buffered-mode equivalent of
// gegl_node_blit's GEGL_BLIT_CACHE: the point is populating the cache, not
// the returned pixels.
func (p *Processor) warmCache(ctx context.Context, rect backend.Rect) error {
	tw, th := p.geometry.TileWidth, p.geometry.TileHeight
	if tw <= 0 || th <= 0 {
		return nil
	}

	x0 := floorDiv(rect.X, tw)
	y0 := floorDiv(rect.Y, th)
	x1 := floorDiv(rect.X+rect.Width-1, tw)
	y1 := floorDiv(rect.Y+rect.Height-1, th)

	for ty := y0; ty <= y1; ty++ {
		for tx := x0; tx <= x1; tx++ {
			result := tilesource.Dispatch(ctx, p.source, tilesource.Get, tx, ty, p.level, nil)
			if t, ok := result.(*tile.Tile); ok && t != nil {
				t.Unref()
			}
		}
	}

	return nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// split cuts rect's longer axis into a tile-aligned band and the remaining
// rectangle, following the same bias toward 64/128/256-pixel bands as the
// handler this is grounded on (a split near those sizes is likelier to
// land on a tile boundary).
func split(rect backend.Rect) (band, remainder backend.Rect) {
	remainder = rect

	if rect.Width > rect.Height {
		size := bandSize(rect.Width)
		band = backend.Rect{X: rect.X, Y: rect.Y, Width: size, Height: rect.Height}
		remainder.X += size
		remainder.Width -= size
	} else {
		size := bandSize(rect.Height)
		band = backend.Rect{X: rect.X, Y: rect.Y, Width: rect.Width, Height: size}
		remainder.Y += size
		remainder.Height -= size
	}

	return band, remainder
}

// bandSize halves size and snaps the result down to 64, 128, or 256 when it
// falls at or below that bracket, biasing splits toward common tile sizes.
// Matches gegl_processor_get_band_size.
func bandSize(size int) int {
	band := size / 2

	switch {
	case band <= 128:
		if band > 64 {
			band = 64
		}
	case band <= 256:
		if band > 128 {
			band = 128
		}
	case band <= 512:
		if band > 256 {
			band = 256
		}
	}

	if band < 1 {
		band = 1
	}
	return band
}
