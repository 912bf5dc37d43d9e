// Package slab implements the tile-data allocator: buffers are grouped into
// size-classed blocks and handed out from per-class free lists, so that
// same-sized tile payloads (the overwhelming majority of allocations in a
// tile store, since nearly every tile is tile-width*tile-height*bpp bytes)
// are served without going back to the general-purpose allocator.
//
// Size classes follow the n*2^k scheme: for divisors {1, 3, 5} and every
// power of two up to 2^24, a request that matches n*2^k exactly gets its
// own bucket. Requests that don't fit this pattern, or that exceed 2^24
// bytes, fall back to a direct allocation that is never pooled.
//
// Each bucket's current block is swapped out from under concurrent callers
// using a sentinel compare-and-swap rather than a mutex: a goroutine that
// observes the sentinel value spins until the bucket is free again. This
// mirrors the lock-free scheme the allocator is grounded on, at the cost of
// a short busy-wait under contention on a single bucket.
package slab

import (
	"sync/atomic"

	"github.com/gegl-go/tilestore/pkg/memalign"
)

const (
	// minSize is the smallest request size a bucket will track; anything
	// smaller is rounded up, matching sizeof(void*) in the source allocator.
	minSize = 8

	maxSizeLog2 = 24
	maxSize     = 1 << maxSizeLog2

	// blockSizeRatio is the fraction of the cache budget a single block may
	// occupy, bounding how much memory one size class can pin down.
	blockSizeRatio = 0.01

	blockMaxBuffers = 1024

	// blocksPerTrim controls how often freeBlock recomputes the watermark
	// used to decide whether a trim is due. There is no Go equivalent of
	// malloc_trim; GC reclaims freed buffers on its own schedule, so this
	// counter only maintains the allocator's maxNBlocks watermark. Nothing
	// acts on that watermark, and no trim signal is exposed to callers.
	blocksPerTrim = 10
)

var divisors = [3]int{1, 3, 5}

// Buffer is a handle to one allocated tile-data payload. Callers read/write
// Data directly; Free returns it to its owning block's free list (or, for
// fallback allocations, releases it from the memalign byte counter for the
// GC to collect).
type Buffer struct {
	Data     []byte
	block    *block
	next     *Buffer
	fallback bool
}

type block struct {
	bucket     *atomic.Pointer[block]
	size       int64
	bufSize    int
	head       *Buffer
	nAllocated int32
	next, prev *block
}

// sentinel marks a bucket as being mutated by another goroutine right now.
var sentinel = &block{}

// Allocator is a tile-data slab allocator sized against a single cache
// budget. It holds no package-level state; every process-wide instance of
// it lives on a tilestore Context, so tests can run independent instances
// side by side.
type Allocator struct {
	cacheSize int64

	buckets [len(divisors)][maxSizeLog2]atomic.Pointer[block]

	nBlocks    int64
	maxNBlocks int64
	allocTotal int64
}

// New creates an allocator whose block sizes are derived from cacheSize,
// the tile-cache-size setting a single block may consume up to
// blockSizeRatio of.
func New(cacheSize int64) *Allocator {
	return &Allocator{cacheSize: cacheSize}
}

// Alloc returns a buffer of at least size bytes. Buffers smaller than
// minSize are rounded up; buffers of 2^24 bytes or larger, or whose size
// doesn't factor as n*2^k for n in {1,3,5}, bypass the slab and allocate
// directly.
func (a *Allocator) Alloc(size int) *Buffer {
	if size >= maxSize {
		return a.allocFallback(size)
	}
	if size < minSize {
		size = minSize
	}

	n := size
	i := len(divisors) - 1
	for ; i > 0; i-- {
		if size%divisors[i] == 0 {
			n /= divisors[i]
			break
		}
	}

	if n&(n-1) != 0 {
		return a.allocFallback(size)
	}

	j := log2i(n)
	bp := &a.buckets[i][j]

	var blk *block
	for {
		blk = bp.Load()
		if blk == sentinel {
			continue
		}
		if bp.CompareAndSwap(blk, sentinel) {
			break
		}
	}

	if blk == nil {
		blk = a.newBlock(bp, size)
		if blk == nil {
			bp.Store(nil)
			return a.allocFallback(size)
		}
	}

	buf := blk.head
	blk.head = buf.next
	buf.next = nil
	blk.nAllocated++

	next := blk
	if blk.head == nil {
		if blk.next != nil {
			blk.next.prev = nil
		}
		next = blk.next
	}
	bp.Store(next)

	return buf
}

// Alloc0 behaves like Alloc but zeroes the returned buffer. Go's allocator
// already zeroes freshly minted memory, but a buffer returning from a free
// list carries whatever the previous owner wrote, so it is cleared here.
func (a *Allocator) Alloc0(size int) *Buffer {
	buf := a.Alloc(size)
	clear(buf.Data)
	return buf
}

func (a *Allocator) allocFallback(size int) *Buffer {
	return &Buffer{Data: memalign.Alloc(size), fallback: true}
}

func (a *Allocator) newBlock(bp *atomic.Pointer[block], size int) *block {
	blockSize := int64(float64(a.cacheSize) * blockSizeRatio)
	if blockSize < int64(size) {
		return nil
	}
	blockSize -= blockSize % int64(size)

	nBuffers := blockSize / int64(size)
	if nBuffers > blockMaxBuffers {
		nBuffers = blockMaxBuffers
	}
	if nBuffers <= 1 {
		return nil
	}

	blk := &block{
		bucket:  bp,
		bufSize: size,
		size:    nBuffers * int64(size),
	}

	var head *Buffer
	for k := int64(0); k < nBuffers; k++ {
		buf := &Buffer{Data: make([]byte, size), block: blk, next: head}
		head = buf
	}
	blk.head = head

	n := atomic.AddInt64(&a.nBlocks, 1)
	if n%blocksPerTrim == 0 {
		if old := atomic.LoadInt64(&a.maxNBlocks); n > old {
			atomic.StoreInt64(&a.maxNBlocks, n)
		}
	}
	atomic.AddInt64(&a.allocTotal, blk.size)

	return blk
}

// Free returns buf to its owning block's free list. Buffers obtained via
// the fallback path (size too large, or not a bucketed n*2^k size) are
// never tracked by any block; they are only reported back to memalign's
// outstanding-byte counter.
func (a *Allocator) Free(buf *Buffer) {
	if buf == nil {
		return
	}
	if buf.fallback {
		memalign.Release(len(buf.Data))
		return
	}
	if buf.block == nil {
		return
	}

	blk := buf.block
	bp := blk.bucket

	var headBlock *block
	for {
		headBlock = bp.Load()
		if headBlock == sentinel {
			continue
		}
		if bp.CompareAndSwap(headBlock, sentinel) {
			break
		}
	}

	blk.nAllocated--

	if blk.nAllocated == 0 {
		headBlock = a.freeBlock(blk, headBlock)
	} else {
		buf.next = blk.head
		if blk.head == nil {
			blk.prev = nil
			blk.next = headBlock
			if headBlock != nil {
				headBlock.prev = blk
			}
			headBlock = blk
		}
		blk.head = buf
	}

	bp.Store(headBlock)
}

// freeBlock unlinks blk from the bucket chain rooted at headBlock and
// returns the new chain head. The block's buffers become eligible for
// garbage collection once every reference to them is dropped.
func (a *Allocator) freeBlock(blk *block, headBlock *block) *block {
	if blk.prev != nil {
		blk.prev.next = blk.next
	} else {
		headBlock = blk.next
	}
	if blk.next != nil {
		blk.next.prev = blk.prev
	}

	n := atomic.AddInt64(&a.nBlocks, -1)
	atomic.AddInt64(&a.allocTotal, -blk.size)

	if atomic.LoadInt64(&a.maxNBlocks)-n >= blocksPerTrim {
		watermark := ((n + blocksPerTrim - 1) / blocksPerTrim) * blocksPerTrim
		atomic.StoreInt64(&a.maxNBlocks, watermark)
	}

	return headBlock
}

// Stats reports the allocator's current footprint, for the stats server
// and tilestorectl.
type Stats struct {
	Blocks     int64
	AllocTotal int64
}

func (a *Allocator) Stats() Stats {
	return Stats{
		Blocks:     atomic.LoadInt64(&a.nBlocks),
		AllocTotal: atomic.LoadInt64(&a.allocTotal),
	}
}

func log2i(n int) int {
	r := 0
	for n > 1 {
		n >>= 1
		r++
	}
	return r
}
