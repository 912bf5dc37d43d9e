// Package tile implements the tile object: a reference-counted, copy-on-write
// unit of pixel data plus the damage/lock bookkeeping the rest of the stack
// (cache handler, swap backend, mipmap handler) drives it through.
//
// A tile's data buffer may be shared by several Tile values at once — the
// result of Dup, used whenever a buffer needs a private, mutable view of
// data another buffer still reads. Sharing ends the moment a shared tile is
// locked for writing: Lock un-clones the tile first, giving it its own copy
// (or, if every other clone has already done so, just taking ownership of
// the now-unshared buffer with no copy at all).
package tile

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gegl-go/tilestore/pkg/slab"
)

// cloneState tracks whether a tile's data buffer is exclusively owned,
// shared with other clones, or in the process of becoming exclusively
// owned (another goroutine is running unclone right now).
type cloneState int32

const (
	stateUncloned cloneState = iota
	stateCloned
	stateUncloning
)

// spinLimit is the number of busy-wait iterations Lock tries before
// yielding the actual CPU via a short sleep, matching the threshold the
// uncloning spin loop this package is grounded on uses before falling back
// to a sleep.
const spinLimit = 32

// allBits is a damage mask with every bit set — "the whole tile is dirty".
const allBits = ^uint64(0)

// cloneCounters is the reference count shared by every clone of a given
// data buffer. When it reaches zero, no Tile still points at the buffer and
// it can be released back to the allocator.
type cloneCounters struct {
	n       int32
	nCached int32
}

// Storage is the subset of the owning tile-source chain's behavior a Tile
// needs to call back into: persisting itself, forwarding damage up the
// mipmap pyramid, and telling the cache handler when a clone became
// exclusively owned. Implemented by pkg/cachehandler.
type Storage interface {
	// Lock/Unlock guard GetTile/SetTile calls made from Store.
	Lock()
	Unlock()

	// SeenZoom reports whether any zoom (mipmap) level beyond the base has
	// ever been requested for this storage; only then is it worth paying
	// for damage propagation on every unlock.
	SeenZoom() bool

	// SetTile asks the storage (and whatever it forwards to) to persist
	// the given tile at its coordinates, returning whether it did.
	SetTile(x, y, z int, t *Tile) bool

	// Damage forwards a damage mask to the base-level tile at (x, y, z),
	// used to invalidate cached mipmap levels derived from it.
	Damage(x, y, z int, damage uint64)

	// Cached reports whether this storage has a cache handler installed;
	// Cached clones are tracked through cloneCounters.nCached so the cache
	// can be told when a clone becomes exclusive.
	Cached() bool

	// NotifyUncloned is called after a tile's data buffer stops being
	// shared, so the cache can re-add its size to the process-wide total
	// (cache_total only counts a clone-set's bytes once, no matter how
	// many cached clones point at it).
	NotifyUncloned(t *Tile)
}

// Tile is one tile-sized unit of pixel data plus its bookkeeping. Tiles are
// always handled through pointers; the zero value is not usable, use New or
// NewBare.
type Tile struct {
	refCount int32

	X, Y, Z int

	storage Storage
	alloc   *slab.Allocator

	data *slab.Buffer
	size int

	clones *cloneCounters
	state  int32 // cloneState, accessed atomically

	lockCount     int32
	readLockCount int32

	rev       uint32
	storedRev uint32

	damage uint64

	isZeroTile   bool
	isGlobalTile bool
	keepIdentity bool

	destroyNotify func()
	unlockNotify  func(*Tile)
}

func newBareInternal() *Tile {
	return &Tile{
		refCount:  1,
		rev:       1,
		storedRev: 1,
		state:     int32(stateUncloned),
	}
}

// NewBare allocates a tile with no data buffer; callers attach one via
// SetData/SetDataFull. Used for tiles whose data is owned by something
// other than this package's allocator (e.g. the swap backend handing back a
// decompressed buffer it read from disk).
func NewBare() *Tile {
	t := newBareInternal()
	t.clones = &cloneCounters{n: 1}
	return t
}

// New allocates a tile with size bytes of data from alloc. The tile owns
// the buffer: its final Unref returns the buffer to alloc.
func New(alloc *slab.Allocator, size int) *Tile {
	t := newBareInternal()
	t.alloc = alloc
	t.data = alloc.Alloc(size)
	t.size = size
	t.clones = &cloneCounters{n: 1}
	return t
}

// SetStorage attaches the owning tile source chain, used by Store, Lock
// (uncloning) and Unlock (damage propagation). Set once, before the tile is
// shared with any other goroutine.
func (t *Tile) SetStorage(s Storage) { t.storage = s }

// SetKeepIdentity marks the tile as one whose data pointer identity must be
// preserved across Dup — Dup then performs a deep copy instead of a
// copy-on-write clone. Used for tiles a caller has taken a raw pointer into
// and cannot tolerate being silently redirected to a different buffer.
func (t *Tile) SetKeepIdentity(v bool) { t.keepIdentity = v }

// Ref increments the tile's reference count and returns it, for chaining.
func (t *Tile) Ref() *Tile {
	atomic.AddInt32(&t.refCount, 1)
	return t
}

// Unref decrements the tile's reference count. At zero, the tile is stored
// (if it needs to be) and, once the last clone sharing its data buffer also
// drops away, the data buffer is released.
func (t *Tile) Unref() {
	if atomic.AddInt32(&t.refCount, -1) != 0 {
		return
	}

	_ = t.Store()

	if atomic.AddInt32(&t.clones.n, -1) == 0 {
		if t.alloc != nil {
			t.alloc.Free(t.data)
		} else if t.data != nil && t.destroyNotify != nil {
			t.destroyNotify()
		}
	}
}

// Dup returns a new tile sharing this tile's data buffer (copy-on-write),
// unless KeepIdentity is set, in which case it performs a deep copy. The
// source tile must not be locked or damaged.
func (t *Tile) Dup() *Tile {
	var dup *Tile

	if !t.keepIdentity {
		atomic.StoreInt32(&t.state, int32(stateCloned))

		dup = newBareInternal()
		dup.storage = t.storage
		dup.alloc = t.alloc
		dup.data = t.data
		dup.size = t.size
		dup.isZeroTile = t.isZeroTile
		dup.isGlobalTile = t.isGlobalTile
		dup.state = int32(stateCloned)
		dup.clones = t.clones

		atomic.AddInt32(&dup.clones.n, 1)
	} else {
		dup = New(t.alloc, t.size)
		copy(dup.data.Data, t.data.Data)
	}

	atomic.AddUint32(&dup.rev, 1)
	return dup
}

// unclone gives the tile its own, unshared data buffer. No-op if the tile
// is already the sole clone.
func (t *Tile) unclone() {
	if atomic.LoadInt32(&t.clones.n) <= 1 {
		return
	}

	global := t.isGlobalTile
	t.isGlobalTile = false

	if !global {
		for !atomic.CompareAndSwapInt32(&t.readLockCount, 0, -1) {
		}
	}

	cached := t.storage != nil && t.storage.Cached()
	var cachedFlag int32
	if cached {
		cachedFlag = 1
	}

	notifyCache := false
	if cached {
		if atomic.AddInt32(&t.clones.nCached, -1) != 0 {
			notifyCache = true
		}
	}

	bailed := false

	switch {
	case t.damage == allBits:
		// Fully damaged: every pixel will be overwritten, so there is
		// nothing worth preserving from the shared buffer.
		t.isZeroTile = false
		if atomic.AddInt32(&t.clones.n, -1) == 0 {
			bailed = true
		} else {
			t.data = t.alloc.Alloc(t.size)
		}

	case t.isZeroTile:
		t.isZeroTile = false
		if atomic.AddInt32(&t.clones.n, -1) == 0 {
			bailed = true
		} else {
			t.data = t.alloc.Alloc0(t.size)
		}

	default:
		buf := t.alloc.Alloc(t.size)
		copy(buf.Data, t.data.Data)
		if atomic.AddInt32(&t.clones.n, -1) == 0 {
			t.alloc.Free(buf)
			bailed = true
		} else {
			t.data = buf
		}
	}

	if bailed {
		// Every other clone had already un-cloned away from the shared
		// buffer by the time we got here, so we're the sole remaining
		// owner of it — no copy needed, just reset the counter.
		t.clones.n = 1
		t.clones.nCached = cachedFlag
	} else {
		t.clones = &cloneCounters{n: 1, nCached: cachedFlag}
	}

	if notifyCache && t.storage != nil {
		t.storage.NotifyUncloned(t)
	}

	if !global {
		atomic.StoreInt32(&t.readLockCount, 0)
	}
}

// Lock marks the tile as being written to, uncloning it first if its data
// is currently shared with other clones. Every Lock must be paired with
// Unlock or UnlockNoVoid.
func (t *Tile) Lock() {
	atomic.AddInt32(&t.lockCount, 1)

	count := 0
	for {
		switch cloneState(atomic.LoadInt32(&t.state)) {
		case stateUncloned:
			return

		case stateCloned:
			if atomic.CompareAndSwapInt32(&t.state, int32(stateCloned), int32(stateUncloning)) {
				t.unclone()
				atomic.StoreInt32(&t.state, int32(stateUncloned))
				return
			}

		case stateUncloning:
		}

		count++
		if count > spinLimit {
			time.Sleep(time.Millisecond)
		} else {
			runtime.Gosched()
		}
	}
}

// voidPyramid forwards damage to the base-level tile this tile derives
// from, invalidating any mipmap levels built on top of it.
func (t *Tile) voidPyramid(damage uint64) {
	if t.storage != nil && t.storage.SeenZoom() && t.Z == 0 {
		t.storage.Damage(t.X, t.Y, t.Z, damage)
	}
}

// Unlock ends a write, bumping the tile's revision, clearing its damage
// mask, running any unlock notification, and propagating full damage up the
// mipmap pyramid for base-level tiles.
func (t *Tile) Unlock() {
	if atomic.AddInt32(&t.lockCount, -1) != 0 {
		return
	}

	atomic.AddUint32(&t.rev, 1)
	t.damage = 0

	if t.unlockNotify != nil {
		t.unlockNotify(t)
	}

	if t.Z == 0 {
		t.voidPyramid(allBits)
	}
}

// UnlockNoVoid behaves like Unlock but skips mipmap invalidation, for
// callers that know they haven't actually changed the pixel data (e.g. a
// lock taken only to wait out a concurrent unclone).
func (t *Tile) UnlockNoVoid() {
	if atomic.AddInt32(&t.lockCount, -1) != 0 {
		return
	}

	atomic.AddUint32(&t.rev, 1)
	t.damage = 0

	if t.unlockNotify != nil {
		t.unlockNotify(t)
	}
}

// ReadLock registers a concurrent reader. Any number of readers may hold a
// read lock at once, but a read lock blocks a concurrent unclone (which
// needs to swap the data pointer out from under readers).
func (t *Tile) ReadLock() {
	for {
		count := atomic.LoadInt32(&t.readLockCount)
		if count < 0 {
			continue
		}
		if atomic.CompareAndSwapInt32(&t.readLockCount, count, count+1) {
			return
		}
	}
}

// ReadUnlock releases a read lock taken by ReadLock.
func (t *Tile) ReadUnlock() {
	atomic.AddInt32(&t.readLockCount, -1)
}

// MarkAsStored records that the tile's current revision has been persisted.
func (t *Tile) MarkAsStored() { t.storedRev = t.rev }

// IsStored reports whether the tile's current revision matches the last
// revision MarkAsStored recorded.
func (t *Tile) IsStored() bool { return t.storedRev == t.rev }

// NeedsStore reports whether the tile has an owning storage, is not already
// stored, and has no outstanding damage (damaged tiles are incomplete and
// should not be persisted yet).
func (t *Tile) NeedsStore() bool {
	return t.storage != nil && !t.IsStored() && t.damage == 0
}

// Void marks the tile as stored without writing it back — used when a
// tile's contents are being discarded rather than persisted — and
// propagates full damage up the mipmap pyramid.
func (t *Tile) Void() {
	t.MarkAsStored()
	if t.Z == 0 {
		t.voidPyramid(allBits)
	}
}

// Damage ORs extra into the tile's damage mask. If every bit is now set,
// the tile is fully damaged: it is marked as stored (there is nothing
// meaningful left to persist) and Damage returns true. Otherwise, for
// base-level tiles, the partial damage is forwarded up the mipmap pyramid
// and Damage returns false.
func (t *Tile) Damage(extra uint64) bool {
	t.damage |= extra

	if t.damage == allBits {
		t.Void()
		return true
	}

	if t.Z == 0 {
		t.voidPyramid(extra)
	}
	return false
}

// Store persists the tile through its owning storage if it needs to be,
// using double-checked locking so concurrent Store calls on the same tile
// only do the work once.
func (t *Tile) Store() bool {
	if t.IsStored() {
		return true
	}
	if !t.NeedsStore() {
		return false
	}

	t.storage.Lock()
	defer t.storage.Unlock()

	if t.IsStored() {
		return true
	}

	return t.storage.SetTile(t.X, t.Y, t.Z, t)
}

// StoreLocked is Store without acquiring the storage's lock: for callers
// (the cache handler's wash/trim loops) that already hold it via a
// successful TryLock and would deadlock re-entering a non-recursive
// sync.Mutex.
func (t *Tile) StoreLocked() bool {
	if t.IsStored() {
		return true
	}
	if !t.NeedsStore() {
		return false
	}
	return t.storage.SetTile(t.X, t.Y, t.Z, t)
}

// Data returns the tile's pixel data buffer.
func (t *Tile) Data() []byte {
	if t.data == nil {
		return nil
	}
	return t.data.Data
}

// SetData replaces the tile's data buffer with one not owned by this
// package's allocator; the tile will not call alloc.Free on it.
func (t *Tile) SetData(data []byte) {
	t.alloc = nil
	t.data = &slab.Buffer{Data: data}
	t.size = len(data)
}

// SetDataFull behaves like SetData but additionally registers a callback
// run when the data buffer's last clone is released.
func (t *Tile) SetDataFull(data []byte, destroyNotify func()) {
	t.SetData(data)
	t.destroyNotify = destroyNotify
}

// SetUnlockNotify registers a callback run every time the tile's lock count
// drops to zero.
func (t *Tile) SetUnlockNotify(fn func(*Tile)) { t.unlockNotify = fn }

// Rev returns the tile's current revision number.
func (t *Tile) Rev() uint32 { return atomic.LoadUint32(&t.rev) }

// SetRev overwrites the tile's revision number, used when restoring a tile
// from swap.
func (t *Tile) SetRev(rev uint32) { atomic.StoreUint32(&t.rev, rev) }

// Size returns the tile's data size in bytes.
func (t *Tile) Size() int { return t.size }

// CloneCount returns the number of tiles currently sharing this tile's data
// buffer, including itself. Used by the swap backend to spread a clone
// set's storage cost across its members when an eviction policy weighs a
// clone's share of a tile's total cost.
func (t *Tile) CloneCount() int32 { return atomic.LoadInt32(&t.clones.n) }

// RefCount returns the tile object's own reference count, distinct from
// CloneCount: this counts how many holders point at this particular Tile
// value, not how many Tile values share its data buffer.
func (t *Tile) RefCount() int32 { return atomic.LoadInt32(&t.refCount) }

// KeepIdentity reports whether the tile was marked with SetKeepIdentity:
// its data pointer must not be swapped out from under callers that cached
// it directly, so a cache must never evict it to reclaim memory.
func (t *Tile) KeepIdentity() bool { return t.keepIdentity }

// MarkCached increments the clone set's cached-clone counter, returning the
// count before the increment: 0 means this tile is the first member of its
// clone set to enter a cache, so the set's bytes haven't been counted
// toward the cache total yet.
func (t *Tile) MarkCached() int32 {
	return atomic.AddInt32(&t.clones.nCached, 1) - 1
}

// UnmarkCached decrements the clone set's cached-clone counter, returning
// true if it reached zero: the clone set has no more members in any cache,
// so its bytes should come back out of the cache total.
func (t *Tile) UnmarkCached() bool {
	return atomic.AddInt32(&t.clones.nCached, -1) == 0
}

// IsZeroTile reports whether the tile is the shared all-zero singleton.
func (t *Tile) IsZeroTile() bool { return t.isZeroTile }

// SetIsZeroTile marks (or unmarks) the tile as the shared zero tile.
func (t *Tile) SetIsZeroTile(v bool) { t.isZeroTile = v }

// IsGlobalTile reports whether the tile is a process-wide singleton (e.g.
// the zero tile), which never needs the read-lock dance unclone otherwise
// performs to protect concurrent readers from a pointer swap.
func (t *Tile) IsGlobalTile() bool { return t.isGlobalTile }

// SetIsGlobalTile marks (or unmarks) the tile as a global singleton.
func (t *Tile) SetIsGlobalTile(v bool) { t.isGlobalTile = v }

// Damaged reports whether the tile has any outstanding damage bits.
func (t *Tile) Damaged() bool { return t.damage != 0 }

// ClearDamage zeroes the damage mask without bumping the revision or
// running unlock notifications. Used by the mipmap handler, which clears a
// tile's damage before pulling each child so that a child fetch that ends
// up voiding this tile never finds it "fully damaged" (and so, safe to
// drop from the cache) partway through synthesis.
func (t *Tile) ClearDamage() { t.damage = 0 }

// DamageMask returns the tile's raw 64-bit damage mask (an 8x8 grid of
// dirty flags over the tile's area).
func (t *Tile) DamageMask() uint64 { return t.damage }
