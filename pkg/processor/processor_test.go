package processor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/processor"
	"github.com/gegl-go/tilestore/pkg/tilesource"
)

type countingSource struct {
	tilesource.Base
	gets map[[3]int]int
}

func newCountingSource() *countingSource {
	return &countingSource{gets: make(map[[3]int]int)}
}

func (s *countingSource) Command(_ context.Context, req tilesource.Request) any {
	if req.Command == tilesource.Get {
		s.gets[[3]int{req.X, req.Y, req.Z}]++
	}
	return nil
}

func TestProcessorWarmsEveryTileExactlyOnce(t *testing.T) {
	geometry := backend.Geometry{TileWidth: 64, TileHeight: 64, PxSize: 4}
	region := backend.Rect{X: 0, Y: 0, Width: 300, Height: 300}
	src := newCountingSource()

	p := processor.New(src, geometry, region, 0, processor.DefaultChunkSize)
	require.NoError(t, p.Work(context.Background()))

	assert.True(t, p.Done())
	assert.InDelta(t, 1.0, p.Progress(), 1e-9)

	wantTilesPerAxis := (300 + 63) / 64
	for ty := 0; ty < wantTilesPerAxis; ty++ {
		for tx := 0; tx < wantTilesPerAxis; tx++ {
			assert.Equal(t, 1, src.gets[[3]int{tx, ty, 0}], "tile (%d,%d) fetched %d times", tx, ty, src.gets[[3]int{tx, ty, 0}])
		}
	}
}

func TestProcessorProgressIncreasesMonotonically(t *testing.T) {
	geometry := backend.Geometry{TileWidth: 32, TileHeight: 32, PxSize: 4}
	region := backend.Rect{X: 0, Y: 0, Width: 512, Height: 512}
	src := newCountingSource()

	p := processor.New(src, geometry, region, 0, processor.DefaultChunkSize)

	last := 0.0
	for !p.Done() {
		more, err := p.Tick(context.Background())
		require.NoError(t, err)
		progress := p.Progress()
		assert.GreaterOrEqual(t, progress, last)
		last = progress
		if !more {
			break
		}
	}

	assert.InDelta(t, 1.0, p.Progress(), 1e-9)
}

func TestProcessorUnbufferedBlitsWholeRegionExactlyOnce(t *testing.T) {
	const w, h = 200, 150
	region := backend.Rect{X: 0, Y: 0, Width: w, Height: h}

	var covered [h][w]int
	p := processor.NewUnbuffered(func(_ context.Context, rect backend.Rect, level int) error {
		assert.Equal(t, 0, level)
		for y := rect.Y; y < rect.Y+rect.Height; y++ {
			for x := rect.X; x < rect.X+rect.Width; x++ {
				covered[y][x]++
			}
		}
		return nil
	}, region, 0, processor.DefaultChunkSize)

	require.NoError(t, p.Work(context.Background()))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			assert.Equal(t, 1, covered[y][x], "pixel (%d,%d) covered %d times", x, y, covered[y][x])
		}
	}
}

func TestProcessorEmptyRegionReportsDoneImmediately(t *testing.T) {
	p := processor.NewUnbuffered(func(context.Context, backend.Rect, int) error {
		t.Fatal("blit should not be called for an empty region")
		return nil
	}, backend.Rect{Width: 0, Height: 0}, 0, processor.DefaultChunkSize)

	more, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.True(t, p.Done())
	assert.Equal(t, 1.0, p.Progress())
}
