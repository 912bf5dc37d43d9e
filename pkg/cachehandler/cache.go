package cachehandler

import (
	"container/list"
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gegl-go/tilestore/pkg/tile"
	"github.com/gegl-go/tilestore/pkg/tilesource"
)

type coord struct{ x, y, z int }

type item struct {
	tile  *tile.Tile
	coord coord
}

// Cache is a per-buffer LRU tile handler. It answers GET from its own
// table when possible, otherwise forwards to the next source and caches
// the result; VOID/REFETCH/REINIT update the table and then forward too,
// and SET is forwarded without touching the table, mirroring the
// pass-through-after-handling behavior of the handler this type is
// grounded on.
type Cache struct {
	tilesource.Base

	ctx *Context

	// mu guards items/queue/time/stamp, and doubles as the storage mutex
	// tile.Storage.Lock/Unlock exposes: Tile.Store takes it before calling
	// back into SetTile. Internal methods that already hold it must use
	// the tile's *Locked store path rather than calling Tile.Store, or
	// they would deadlock re-entering a non-recursive sync.Mutex.
	mu    sync.Mutex
	items map[coord]*list.Element
	queue list.List

	time  uint64
	stamp uint64
	elem  *list.Element // this cache's node in ctx.caches

	seenZoom atomic.Bool
	maxZoom  atomic.Int32
}

// New creates a cache handler over next (typically a zoom handler or a
// backend directly), registering it with ctx's process-wide accounting.
func New(ctx *Context, next tilesource.Source) *Cache {
	c := &Cache{
		Base:  tilesource.NewBase(next),
		ctx:   ctx,
		items: make(map[coord]*list.Element),
	}
	ctx.connect(c)
	return c
}

// Close disconnects the cache from its context's global scan list and
// drops every entry, storing dirty tiles on the way out.
func (c *Cache) Close() {
	c.reinit()
	c.ctx.disconnect(c)
}

// MarkZoomSeen implements zoom.Tracker: called by the mipmap handler the
// first time a level above 0 is requested for this storage.
func (c *Cache) MarkZoomSeen() {
	c.seenZoom.Store(true)
	for {
		cur := c.maxZoom.Load()
		if cur >= 1 {
			return
		}
		if c.maxZoom.CompareAndSwap(cur, 1) {
			return
		}
	}
}

// markZoomLevel records that z has been requested, extending the depth
// Damage climbs when propagating base-level changes upward.
func (c *Cache) markZoomLevel(z int) {
	if z <= 0 {
		return
	}
	c.seenZoom.Store(true)
	for {
		cur := c.maxZoom.Load()
		if int32(z) <= cur {
			return
		}
		if c.maxZoom.CompareAndSwap(cur, int32(z)) {
			return
		}
	}
}

// Command implements tilesource.Source.
func (c *Cache) Command(ctx context.Context, req tilesource.Request) any {
	switch req.Command {
	case tilesource.Get:
		c.markZoomLevel(req.Z)
		return c.getTileCommand(ctx, req.X, req.Y, req.Z)

	case tilesource.Flush:
		c.flush()

	case tilesource.Idle:
		if c.wash() {
			washed := true
			return &washed
		}

	case tilesource.Refetch:
		c.invalidate(req.X, req.Y, req.Z)

	case tilesource.Void:
		damage := ^uint64(0)
		if d, ok := req.Data.(*uint64); ok && d != nil {
			damage = *d
		} else if d, ok := req.Data.(uint64); ok {
			damage = d
		}
		c.void(req.X, req.Y, req.Z, damage)

	case tilesource.Reinit:
		c.reinit()

	case tilesource.Copy:
		params, _ := req.Data.(tilesource.CopyRequest)
		ok := c.copy(ctx, req.X, req.Y, req.Z, params)
		return &ok
	}

	return c.Forward(ctx, req)
}

func (c *Cache) getTileCommand(ctx context.Context, x, y, z int) *tile.Tile {
	if t := c.lookup(x, y, z); t != nil {
		atomic.AddInt64(&c.ctx.hits, 1)
		return t
	}
	atomic.AddInt64(&c.ctx.misses, 1)

	var t *tile.Tile
	if next := c.Next(); next != nil {
		t, _ = next.Command(ctx, tilesource.Request{Command: tilesource.Get, X: x, Y: y, Z: z}).(*tile.Tile)
	}
	if t != nil {
		c.insert(t, x, y, z)
	}
	return t
}

// lookup returns the cached tile at (x, y, z), moving it to the front of
// the LRU queue, or nil on a miss.
func (c *Cache) lookup(x, y, z int) *tile.Tile {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue.Len() == 0 {
		return nil
	}
	e, ok := c.items[coord{x, y, z}]
	if !ok {
		return nil
	}

	c.queue.MoveToFront(e)
	atomic.StoreUint64(&c.time, c.ctx.nextClock())

	return e.Value.(*item).tile.Ref()
}

// insert adds tile to the cache at (x, y, z), replacing any existing entry
// there, and trims the process-wide total if it now exceeds budget.
func (c *Cache) insert(t *tile.Tile, x, y, z int) {
	c.remove(x, y, z)

	t.X, t.Y, t.Z = x, y, z
	t.SetStorage(c)

	c.mu.Lock()
	it := &item{tile: t.Ref(), coord: coord{x, y, z}}
	e := c.queue.PushFront(it)
	c.items[it.coord] = e
	atomic.StoreUint64(&c.time, c.ctx.nextClock())
	c.mu.Unlock()

	var total int64
	if t.MarkCached() == 0 {
		total = atomic.AddInt64(&c.ctx.total, int64(t.Size()))
	} else {
		total = atomic.LoadInt64(&c.ctx.total)
	}
	atomic.AddInt64(&c.ctx.totalUncloned, int64(t.Size()))
	c.ctx.bumpMax(total)

	if total > atomic.LoadInt64(&c.ctx.targetSize) {
		c.ctx.trim()
	}
}

// InsertExternal places t directly into the cache at (x, y, z), as if it
// had just been faulted in from downstream, without actually calling
// downstream. Used by pkg/bufferbackend to write a duplicated tile straight
// into the cache of the buffer it wraps, bypassing that buffer's own
// backend — the nested-buffer SET path never touches the wrapped buffer's
// disk storage, only its in-memory cache.
func (c *Cache) InsertExternal(t *tile.Tile, x, y, z int) {
	c.insert(t, x, y, z)
}

// remove drops the entry at (x, y, z), if any, without forwarding
// anything downstream.
func (c *Cache) remove(x, y, z int) {
	c.mu.Lock()
	e, ok := c.items[coord{x, y, z}]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.removeItemLocked(e)
	c.mu.Unlock()
}

// removeItemLocked unlinks e from the queue and map, updates the
// process-wide totals, and releases the cache's reference to its tile.
// Callers must hold c.mu.
func (c *Cache) removeItemLocked(e *list.Element) {
	it := e.Value.(*item)
	t := it.tile

	if t.UnmarkCached() {
		atomic.AddInt64(&c.ctx.total, -int64(t.Size()))
	}
	atomic.AddInt64(&c.ctx.totalUncloned, -int64(t.Size()))

	c.queue.Remove(e)
	delete(c.items, it.coord)
	if c.queue.Len() == 0 {
		atomic.StoreUint64(&c.time, 0)
		atomic.StoreUint64(&c.stamp, 0)
	}

	t.SetStorage(nil)
	t.Unref()
}

func (c *Cache) invalidate(x, y, z int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[coord{x, y, z}]
	if !ok {
		return
	}
	it := e.Value.(*item)
	it.tile.MarkAsStored() // cheat it out of being stored on eviction
	c.removeItemLocked(e)
}

// void marks the cached tile at (x, y, z) damaged, evicting it if that
// damage turns out to cover the whole tile. Damage is applied with c.mu
// released: Tile.Damage can recurse back into this same cache (propagating
// damage to the mipmap level above, via Storage.Damage), and sync.Mutex
// isn't reentrant, so the lock must not still be held when that happens.
func (c *Cache) void(x, y, z int, damage uint64) {
	c.mu.Lock()
	e, ok := c.items[coord{x, y, z}]
	if !ok {
		c.mu.Unlock()
		if z == 0 && damage != 0 {
			c.forwardVoid(x, y, z, damage)
		}
		return
	}
	t := e.Value.(*item).tile.Ref()
	c.mu.Unlock()

	full := t.Damage(damage)

	if full {
		c.mu.Lock()
		if e, ok := c.items[coord{x, y, z}]; ok && e.Value.(*item).tile == t {
			c.removeItemLocked(e)
		}
		c.mu.Unlock()
	}

	t.Unref()
}

func (c *Cache) forwardVoid(x, y, z int, damage uint64) {
	next := c.Next()
	if next == nil {
		return
	}
	next.Command(context.Background(), tilesource.Request{Command: tilesource.Void, X: x, Y: y, Z: z, Data: &damage})
}

func (c *Cache) flush() {
	c.mu.Lock()
	tiles := make([]*tile.Tile, 0, c.queue.Len())
	for e := c.queue.Front(); e != nil; e = e.Next() {
		tiles = append(tiles, e.Value.(*item).tile)
	}
	c.mu.Unlock()

	for _, t := range tiles {
		t.Store()
	}
}

func (c *Cache) reinit() {
	c.mu.Lock()
	atomic.StoreUint64(&c.time, 0)
	atomic.StoreUint64(&c.stamp, 0)

	var tiles []*tile.Tile
	for e := c.queue.Front(); e != nil; e = e.Next() {
		it := e.Value.(*item)
		tiles = append(tiles, it.tile)

		if it.tile.UnmarkCached() {
			atomic.AddInt64(&c.ctx.total, -int64(it.tile.Size()))
		}
		atomic.AddInt64(&c.ctx.totalUncloned, -int64(it.tile.Size()))
	}
	c.queue.Init()
	c.items = make(map[coord]*list.Element)
	c.mu.Unlock()

	for _, t := range tiles {
		t.MarkAsStored() // avoid saving on the way out
		t.SetStorage(nil)
		t.Unref()
	}
}

// copy implements the COPY command: if the source tile is cached and
// clean, duplicate it directly into the destination (so the destination
// cache already has it); otherwise remove any stale destination entry and
// let the chain underneath perform the copy.
func (c *Cache) copy(ctx context.Context, x, y, z int, params tilesource.CopyRequest) bool {
	t := c.lookup(x, y, z)

	if t != nil && t.Damaged() {
		t.Unref()
		t = nil
	}

	var dst *tile.Tile
	success := false

	if t != nil {
		dstCache := c.dstCache(params)
		dup := t.Dup()

		if dstCache != nil {
			dstCache.insert(dup, params.DstX, params.DstY, params.DstZ)
			dst = dup
			success = true
		} else {
			// No cache to place the duplicate in; the copy only counts as
			// done if the backend-level copy below also runs, which it
			// only does for a tile that's already durable.
			dup.Unref()
			success = t.IsStored()
		}
	} else if dstCache := c.dstCache(params); dstCache != nil {
		dstCache.remove(params.DstX, params.DstY, params.DstZ)
	}

	if t == nil || t.IsStored() {
		if next := c.Next(); next != nil {
			if ok, _ := next.Command(ctx, tilesource.Request{Command: tilesource.Copy, X: x, Y: y, Z: z, Data: params}).(*bool); ok != nil && *ok {
				if dst != nil {
					dst.MarkAsStored()
				}
				success = true
			}
		}
	}

	if t != nil {
		t.Unref()
	}

	return success
}

func (c *Cache) dstCache(params tilesource.CopyRequest) *Cache {
	if params.Dst == nil {
		return c
	}
	if dst, ok := params.Dst.(*Cache); ok {
		return dst
	}
	return nil
}

// wash writes the least-recently-used dirty tile among the oldest
// wash-percentage of bytes across every cache sharing ctx to disk,
// without evicting it, so a later trim pass has fewer dirty tiles to
// store under time pressure. Returns whether a tile was written.
func (c *Cache) wash() bool { return c.ctx.wash() }

func (ctx *Context) wash() bool {
	ctx.mu.Lock()
	washPercent := ctx.washPercent
	ctx.mu.Unlock()

	if washPercent == 0 {
		washPercent = DefaultWashPercent
	}
	washSize := atomic.LoadInt64(&ctx.totalUncloned) * int64(washPercent) / 100

	var dirty *tile.Tile
	var cur *Cache
	var size int64

	ctx.mu.Lock()
	for size < washSize {
		cur = ctx.findOldestCacheLocked(cur)
		if cur == nil {
			break
		}
		if !cur.mu.TryLock() {
			continue
		}

		for e := cur.queue.Back(); e != nil && size < washSize; e = e.Prev() {
			t := e.Value.(*item).tile
			if !t.IsStored() {
				dirty = t.Ref()
				size = washSize
				break
			}
			size += int64(t.Size())
		}

		cur.mu.Unlock()
		if dirty != nil {
			break
		}
	}
	ctx.mu.Unlock()

	if dirty == nil {
		return false
	}

	dirty.Store()
	dirty.Unref()
	return true
}

// trim evicts tiles, starting from the globally least-recently-used
// cache, until the process-wide total falls back within budget. The
// undershoot ratio grows if trims are happening in quick succession, and
// resets after a quiet period, so sustained pressure trims harder while
// occasional spikes don't over-evict.
func (ctx *Context) trim() bool {
	ctx.mu.Lock()
	target := ctx.targetSize
	if atomic.LoadInt64(&ctx.total) <= target {
		ctx.mu.Unlock()
		return true
	}

	now := time.Now()
	last := time.Unix(0, ctx.lastTrim.Load())
	ratio := math.Float64frombits(uint64(ctx.ratio.Load()))

	switch {
	case now.Sub(last) < ctx.trimInterval:
		ratio = math.Min(ratio*ctx.trimRatioRate, ctx.trimRatioMax)
	case now.Sub(last) >= 2*ctx.trimInterval:
		ratio = ctx.trimRatioMin
	}
	ctx.ratio.Store(int64(math.Float64bits(ratio)))
	target -= int64(float64(target) * ratio)
	ctx.mu.Unlock()

	var counter uint64
	var cur *Cache
	var link *list.Element

	for atomic.LoadInt64(&ctx.total) > target {
		if link == nil {
			if cur != nil {
				cur.mu.Unlock()
			}

			ctx.mu.Lock()
			for {
				cur = ctx.findOldestCacheLocked(cur)
				if cur == nil || cur.mu.TryLock() {
					break
				}
			}
			ctx.mu.Unlock()

			if cur == nil {
				break
			}
			link = cur.queue.Back()
		}

		var victim *list.Element
		for ; link != nil; link = link.Prev() {
			it := link.Value.(*item)
			t := it.tile

			// Someone else still holds this exact tile object: evicting it
			// here would leave that holder with a dangling cache entry.
			if t.RefCount() > 1 {
				continue
			}

			// The tile's data pointer identity must survive until whoever
			// asked for that guarantee is done with it.
			if t.KeepIdentity() {
				continue
			}

			// A clone set of size n counts once toward the cache total, but
			// storing any one clone costs as much as storing an uncloned
			// tile; only pay that cost with probability 1/n.
			if n := t.CloneCount(); !t.IsStored() && n > 1 {
				counter++
				if counter%uint64(n) != 0 {
					continue
				}
			}

			victim = link
			break
		}

		if victim == nil {
			cur.mu.Unlock()
			cur, link = nil, nil
			continue
		}

		prev := victim.Prev()
		it := victim.Value.(*item)
		t := it.tile

		cur.queue.Remove(victim)
		delete(cur.items, it.coord)
		if cur.queue.Len() == 0 {
			atomic.StoreUint64(&cur.time, 0)
			atomic.StoreUint64(&cur.stamp, 0)
		}
		if t.UnmarkCached() {
			atomic.AddInt64(&ctx.total, -int64(t.Size()))
		}
		atomic.AddInt64(&ctx.totalUncloned, -int64(t.Size()))

		t.StoreLocked()
		t.SetStorage(nil)
		t.Unref()

		link = prev
	}

	if cur != nil {
		cur.mu.Unlock()
	}

	ctx.lastTrim.Store(now.UnixNano())
	return cur != nil
}

// --- tile.Storage ---

// Lock implements tile.Storage, blocking until the cache's storage mutex
// is available.
func (c *Cache) Lock() { c.mu.Lock() }

// Unlock implements tile.Storage.
func (c *Cache) Unlock() { c.mu.Unlock() }

// SeenZoom implements tile.Storage.
func (c *Cache) SeenZoom() bool { return c.seenZoom.Load() }

// Cached implements tile.Storage: a cache handler is always present when
// this method is reachable at all.
func (c *Cache) Cached() bool { return true }

// ItemCount returns the number of tiles currently held in this cache's
// table, for introspection (pkg/statsserver, cmd/tilestorectl).
func (c *Cache) ItemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// SetTile implements tile.Storage by forwarding the tile to the next
// source in the chain, which is the sole owner of durable storage.
func (c *Cache) SetTile(x, y, z int, t *tile.Tile) bool {
	next := c.Next()
	if next == nil {
		return false
	}
	ok, _ := next.Command(context.Background(), tilesource.Request{Command: tilesource.Set, X: x, Y: y, Z: z, Data: t}).(*bool)
	return ok == nil || *ok
}

// NotifyUncloned implements tile.Storage: a clone just became the sole
// owner of its data buffer, so its bytes now count toward the process
// total on their own rather than as a fraction of a shared set.
func (c *Cache) NotifyUncloned(t *tile.Tile) {
	total := atomic.AddInt64(&c.ctx.total, int64(t.Size()))
	c.ctx.bumpMax(total)
	if total > atomic.LoadInt64(&c.ctx.targetSize) {
		c.ctx.trim()
	}
}

// Damage implements tile.Storage: propagates a base-level change upward
// through every zoom level this storage has ever been asked for,
// invalidating the covering quadrant of each ancestor tile found in cache.
// Granularity is simplified to whole-quadrant rather than the
// bit-precise subsampling of the handler this is grounded on.
func (c *Cache) Damage(x, y, z int, damage uint64) {
	if z != 0 || damage == 0 || !c.seenZoom.Load() {
		return
	}

	maxZoom := int(c.maxZoom.Load())
	for z < maxZoom {
		shift := uint(32*(y&1) + 16*(x&1))
		quadrant := uint64(0xffff) << shift

		x >>= 1
		y >>= 1
		z++

		c.void(x, y, z, quadrant)
	}
}
