package bufferbackend_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/bufferbackend"
	"github.com/gegl-go/tilestore/pkg/cachehandler"
	"github.com/gegl-go/tilestore/pkg/slab"
	"github.com/gegl-go/tilestore/pkg/tile"
	"github.com/gegl-go/tilestore/pkg/tilesource"
)

func newGeometry() (backend.Geometry, *slab.Allocator) {
	geometry := backend.Geometry{TileWidth: 16, TileHeight: 16, PxSize: 4}
	return geometry, slab.New(16 * 1024 * 1024)
}

// fakeBackend stands in for the wrapped buffer's own storage, answering
// Exist so a Void forwarded through the wrapped cache has something
// downstream to report against.
type fakeBackend struct {
	tilesource.Base
	mu    sync.Mutex
	tiles map[[3]int]*tile.Tile
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tiles: make(map[[3]int]*tile.Tile)}
}

func (b *fakeBackend) Command(_ context.Context, req tilesource.Request) any {
	key := [3]int{req.X, req.Y, req.Z}
	switch req.Command {
	case tilesource.Exist:
		b.mu.Lock()
		_, ok := b.tiles[key]
		b.mu.Unlock()
		return &ok
	case tilesource.Set:
		t := req.Data.(*tile.Tile)
		b.mu.Lock()
		b.tiles[key] = t.Ref()
		b.mu.Unlock()
		return nil
	case tilesource.Void:
		b.mu.Lock()
		if t, ok := b.tiles[key]; ok {
			t.Unref()
			delete(b.tiles, key)
		}
		b.mu.Unlock()
		return nil
	default:
		return nil
	}
}

func (b *fakeBackend) has(x, y, z int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tiles[[3]int{x, y, z}]
	return ok
}

func fillTile(t *tile.Tile, v byte) {
	data := t.Data()
	for i := range data {
		data[i] = v
	}
}

func TestGetDuplicatesAndMarksStored(t *testing.T) {
	geometry, alloc := newGeometry()
	wrappedCtx := cachehandler.NewContext(1024 * 1024)
	wrapped := cachehandler.New(wrappedCtx, nil)

	src := tile.New(alloc, geometry.TileSize())
	fillTile(src, 7)
	wrapped.InsertExternal(src, 1, 2, 0)

	b := bufferbackend.New(geometry, wrapped, wrapped, false)

	result := tilesource.Dispatch(context.Background(), b, tilesource.Get, 1, 2, 0, nil)
	got, ok := result.(*tile.Tile)
	require.True(t, ok)
	require.NotNil(t, got)
	defer got.Unref()

	assert.True(t, got.IsStored())
	assert.Equal(t, byte(7), got.Data()[0])
	assert.NotSame(t, src, got)
}

func TestSetInsertsDirectlyIntoWrappedCache(t *testing.T) {
	geometry, alloc := newGeometry()
	wrappedCtx := cachehandler.NewContext(1024 * 1024)
	wrapped := cachehandler.New(wrappedCtx, nil)

	b := bufferbackend.New(geometry, wrapped, wrapped, false)

	incoming := tile.New(alloc, geometry.TileSize())
	fillTile(incoming, 9)
	defer incoming.Unref()

	tilesource.Dispatch(context.Background(), b, tilesource.Set, 3, 4, 0, incoming)

	result := tilesource.Dispatch(context.Background(), wrapped, tilesource.Get, 3, 4, 0, nil)
	got, ok := result.(*tile.Tile)
	require.True(t, ok)
	require.NotNil(t, got)
	defer got.Unref()

	assert.Equal(t, byte(9), got.Data()[0])
	assert.NotSame(t, incoming, got)
}

func TestVoidAndExistForwardToWrapped(t *testing.T) {
	geometry, alloc := newGeometry()
	fake := newFakeBackend()
	wrappedCtx := cachehandler.NewContext(1024 * 1024)
	wrapped := cachehandler.New(wrappedCtx, fake)

	src := tile.New(alloc, geometry.TileSize())
	fillTile(src, 3)
	tilesource.Dispatch(context.Background(), wrapped, tilesource.Set, 0, 0, 0, src)
	src.Unref()

	b := bufferbackend.New(geometry, wrapped, wrapped, false)

	existResult := tilesource.Dispatch(context.Background(), b, tilesource.Exist, 0, 0, 0, nil)
	exists, ok := existResult.(*bool)
	require.True(t, ok)
	assert.True(t, *exists)

	tilesource.Dispatch(context.Background(), b, tilesource.Void, 0, 0, 0, ^uint64(0))
	assert.False(t, fake.has(0, 0, 0))
}

func TestCopySkippedWhenUserHandlersPresent(t *testing.T) {
	geometry, _ := newGeometry()
	wrappedCtx := cachehandler.NewContext(1024 * 1024)
	wrapped := cachehandler.New(wrappedCtx, nil)

	b := bufferbackend.New(geometry, wrapped, wrapped, true)

	result := tilesource.Dispatch(context.Background(), b, tilesource.Copy, 0, 0, 0, tilesource.CopyRequest{
		SrcX: 0, SrcY: 0, SrcZ: 0,
		DstX: 1, DstY: 1, DstZ: 0,
	})
	ok, isBool := result.(*bool)
	require.True(t, isBool)
	assert.False(t, *ok)
}

func TestNotifierCalledOnSetAndVoid(t *testing.T) {
	geometry, alloc := newGeometry()
	wrappedCtx := cachehandler.NewContext(1024 * 1024)
	wrapped := cachehandler.New(wrappedCtx, nil)

	b := bufferbackend.New(geometry, wrapped, wrapped, false)

	var notified []backend.Rect
	b.SetNotifier(notifierFunc(func(r backend.Rect) {
		notified = append(notified, r)
	}))

	incoming := tile.New(alloc, geometry.TileSize())
	defer incoming.Unref()
	tilesource.Dispatch(context.Background(), b, tilesource.Set, 2, 0, 0, incoming)
	tilesource.Dispatch(context.Background(), b, tilesource.Void, 2, 0, 0, ^uint64(0))

	require.Len(t, notified, 2)
	assert.Equal(t, backend.Rect{X: 32, Y: 0, Width: 16, Height: 16}, notified[0])
}

type notifierFunc func(backend.Rect)

func (f notifierFunc) TileChanged(r backend.Rect) { f(r) }
