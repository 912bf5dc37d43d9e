// Package swap implements the asynchronous, compressed swap-to-disk tile
// backend: a single writer goroutine drains a FIFO of pending writes against
// one swap file, a sorted gap list tracks free space for reuse, and same-
// block writes queued before the writer gets to them are coalesced into one
// write carrying the latest payload.
//
// Reads and writes against the swap file use positioned I/O
// (os.File.ReadAt/WriteAt, i.e. pread/pwrite), so unlike a single shared
// file cursor, concurrent readers never need to serialize around a seek.
package swap

import (
	"container/list"
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"

	"github.com/gegl-go/tilestore/pkg/backend"
	"github.com/gegl-go/tilestore/pkg/slab"
	"github.com/gegl-go/tilestore/pkg/tile"
	"github.com/gegl-go/tilestore/pkg/tilesource"
)

// Codec identifies the compression scheme applied to a swap block's bytes
// on disk.
type Codec int

const (
	CodecNone Codec = iota
	CodecFast       // github.com/golang/snappy
)

// compressionMaxRatio bounds how large a compressed payload may be relative
// to its source before compression is judged not worth the decompression
// cost; above this ratio the uncompressed tile is written instead.
const compressionMaxRatio = 0.95

// queuedMaxRatio is the fraction of the cache budget allowed to sit
// enqueued for the writer at any moment; a Set issued while the queued
// cost is already over this limit blocks until the writer catches up.
const queuedMaxRatio = 0.1

// growthBlocks is how many block-sizes worth of space the swap file grows
// by when it runs out of gaps to satisfy an allocation, amortising the
// resize cost across many future allocations of the same size.
const growthBlocks = 32

// FileCreator supplies (and cleans up) the single on-disk swap file a
// Backend writes to. Implemented by pkg/swapdir.Manager; kept as an
// interface here so this package never imports swapdir directly.
type FileCreator interface {
	CreateFile(suffix string) (*os.File, string, error)
	RemoveFile(path string)
}

// Logger is the minimal warning sink this package logs through; nil is a
// valid Logger (every call is a no-op).
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

type coord struct{ x, y, z int }

// swapGap is a half-open [start, end) run of free bytes in the swap file.
type swapGap struct {
	start, end int64
}

// block is the on-disk allocation backing one or more swap entries (clones
// across buffers can share a block). It is created with refCount 1 and
// freed once the last referencing entry goes away.
type block struct {
	refCount    int32
	size        int32
	compression Codec
	offset      int64
	link        *list.Element // position in the writer queue, if enqueued
}

// entry maps one tile coordinate to the block holding its data.
type entry struct {
	x, y, z int
	block   *block
}

type opKind int

const (
	opWrite opKind = iota
	opDestroy
)

type threadParams struct {
	block          *block
	tile           *tile.Tile
	compressed     []byte
	size           int
	compressedSize int
	op             opKind
}

// Backend is the swap-to-disk tile source. It embeds backend.Base for tile
// geometry and the chain's default command handling.
type Backend struct {
	backend.Base

	alloc  *slab.Allocator
	files  FileCreator
	logger Logger
	codec  Codec

	indexMu sync.Mutex
	index   map[coord]*entry

	mu         sync.Mutex
	queueCond  *sync.Cond
	pushCond   *sync.Cond
	queue      *list.List
	inProgress *threadParams
	closed     bool

	file     *os.File
	path     string
	gapList  []swapGap
	fileSize int64

	total             int64
	totalUncompressed int64
	queuedTotal       int64
	queuedCost        int64
	queuedMax         int64
	queueStalls       int64

	busy    int32
	reading int32
	writing int32

	readTotal  int64
	writeTotal int64

	wg sync.WaitGroup
}

// New creates a swap backend and starts its writer goroutine. cacheSize is
// the tile-cache-size setting; queuedMax is derived from it as
// queuedMaxRatio * cacheSize, matching the notify-on-config-change behavior
// of the backend this is grounded on.
func New(geometry backend.Geometry, alloc *slab.Allocator, files FileCreator, cacheSize int64, codec Codec, logger Logger) *Backend {
	if logger == nil {
		logger = nopLogger{}
	}

	b := &Backend{
		Base:      backend.NewBase(geometry),
		alloc:     alloc,
		files:     files,
		logger:    logger,
		codec:     codec,
		index:     make(map[coord]*entry),
		queue:     list.New(),
		queuedMax: int64(float64(cacheSize) * queuedMaxRatio),
	}
	b.queueCond = sync.NewCond(&b.mu)
	b.pushCond = sync.NewCond(&b.mu)
	b.Base.FlushOnDestroy = false

	b.wg.Add(1)
	go b.writerLoop()

	return b
}

// SetCacheSize re-derives the queued-write budget from a new tile-cache-size
// setting and wakes anyone blocked waiting for queue headroom, mirroring
// the config-change notification path in the backend this is grounded on.
func (b *Backend) SetCacheSize(cacheSize int64) {
	b.mu.Lock()
	b.queuedMax = int64(float64(cacheSize) * queuedMaxRatio)
	b.pushCond.Broadcast()
	b.mu.Unlock()
}

// Command implements tilesource.Source.
func (b *Backend) Command(ctx context.Context, req tilesource.Request) any {
	switch req.Command {
	case tilesource.Get:
		return b.getTile(req.X, req.Y, req.Z)

	case tilesource.Set:
		t, _ := req.Data.(*tile.Tile)
		b.setTile(req.X, req.Y, req.Z, t)
		return nil

	case tilesource.Void:
		b.voidTile(req.X, req.Y, req.Z)
		return nil

	case tilesource.Exist:
		result := b.existTile(req.X, req.Y, req.Z)
		return &result

	case tilesource.Idle:
		result := false
		return &result

	case tilesource.Flush:
		return nil

	case tilesource.Copy:
		cr, _ := req.Data.(tilesource.CopyRequest)
		result := b.copyTile(cr)
		return &result

	default:
		return b.Base.Command(ctx, req)
	}
}

func (b *Backend) getTile(x, y, z int) *tile.Tile {
	b.indexMu.Lock()
	ent := b.index[coord{x, y, z}]
	b.indexMu.Unlock()

	if ent == nil {
		return nil
	}
	return b.entryRead(ent)
}

func (b *Backend) setTile(x, y, z int, t *tile.Tile) bool {
	if t == nil {
		return false
	}

	if t.IsZeroTile() {
		// Nothing to persist for an all-zero tile: drop any existing entry
		// and let the zero-tile singleton serve future reads.
		b.voidTile(x, y, z)
		t.MarkAsStored()
		return true
	}

	key := coord{x, y, z}

	b.indexMu.Lock()
	ent := b.index[key]
	if ent != nil {
		if !b.blockIsUnique(ent.block) {
			b.blockUnref(ent.block)
			ent.block = newBlock()
		}
	} else {
		ent = &entry{x: x, y: y, z: z, block: newBlock()}
		b.index[key] = ent
	}
	b.indexMu.Unlock()

	b.entryWrite(ent, t)
	t.MarkAsStored()
	return true
}

func (b *Backend) voidTile(x, y, z int) {
	key := coord{x, y, z}

	b.indexMu.Lock()
	ent := b.index[key]
	if ent != nil {
		delete(b.index, key)
	}
	b.indexMu.Unlock()

	if ent != nil {
		b.blockUnref(ent.block)
	}
}

func (b *Backend) existTile(x, y, z int) bool {
	b.indexMu.Lock()
	defer b.indexMu.Unlock()
	return b.index[coord{x, y, z}] != nil
}

func (b *Backend) copyTile(req tilesource.CopyRequest) bool {
	dst := b
	if req.Dst != nil {
		d, ok := req.Dst.(*Backend)
		if !ok {
			return false
		}
		dst = d
	}

	b.indexMu.Lock()
	ent := b.index[coord{req.SrcX, req.SrcY, req.SrcZ}]
	b.indexMu.Unlock()
	if ent == nil {
		return false
	}

	dst.indexMu.Lock()
	defer dst.indexMu.Unlock()

	dstKey := coord{req.DstX, req.DstY, req.DstZ}
	dstEnt := dst.index[dstKey]

	if dstEnt != nil {
		if dstEnt.block == ent.block {
			return true
		}
		dst.blockUnref(dstEnt.block)
		dstEnt.block = dst.blockRef(ent.block)
		return true
	}

	dst.index[dstKey] = &entry{
		x: req.DstX, y: req.DstY, z: req.DstZ,
		block: dst.blockRef(ent.block),
	}
	return true
}

func newBlock() *block {
	return &block{refCount: 1, offset: -1}
}

func (b *Backend) blockRef(blk *block) *block {
	atomic.AddInt32(&blk.refCount, 1)
	atomic.AddInt64(&b.totalUncompressed, int64(b.Geometry.TileSize()))
	return blk
}

// blockUnref drops a reference to blk. Once the last reference is gone, its
// disk space is reclaimed by queuing (or converting an already-queued write
// into) a destroy operation, jumped to the front of the writer queue so the
// space becomes available to subsequent writes as soon as possible.
func (b *Backend) blockUnref(blk *block) {
	if atomic.AddInt32(&blk.refCount, -1) != 0 {
		atomic.AddInt64(&b.totalUncompressed, -int64(b.Geometry.TileSize()))
		return
	}

	b.mu.Lock()
	if blk.link != nil {
		p := blk.link.Value.(*threadParams)
		b.freeQueuedDataLocked(p)
		p.op = opDestroy

		b.queue.Remove(blk.link)
		blk.link = b.queue.PushFront(p)
	} else {
		p := &threadParams{op: opDestroy, block: blk, size: b.Geometry.TileSize()}
		b.pushQueueLocked(p, true)
	}
	b.mu.Unlock()
}

func (b *Backend) blockIsUnique(blk *block) bool {
	return atomic.LoadInt32(&blk.refCount) == 1
}

// entryWrite enqueues tile data for (eventual) persistence at ent's block,
// coalescing into an already-queued write for the same block rather than
// enqueuing a second one (testable property: queue coalescing).
func (b *Backend) entryWrite(ent *entry, t *tile.Tile) {
	size := b.Geometry.TileSize()
	nClones := t.CloneCount()
	if nClones < 1 {
		nClones = 1
	}
	cost := (size + int(nClones)/2) / int(nClones)

	b.mu.Lock()
	defer b.mu.Unlock()

	if ent.block.link != nil {
		p := ent.block.link.Value.(*threadParams)
		b.freeQueuedDataLocked(p)

		if b.queuedCost <= b.queuedMax {
			p.block.compression = b.codec
			p.tile = t.Dup()
			p.compressedSize = cost
			b.queuedTotal += int64(size)
			b.queuedCost += int64(cost)
			return
		}

		b.queue.Remove(ent.block.link)
		ent.block.link = nil
	}

	p := &threadParams{
		op:             opWrite,
		block:          ent.block,
		tile:           t.Dup(),
		size:           size,
		compressedSize: cost,
	}
	b.pushQueueLocked(p, false)
}

// entryRead fetches ent's tile data: from an in-flight write still sitting
// in the queue (or actively being written) if there is one, otherwise from
// disk.
func (b *Backend) entryRead(ent *entry) *tile.Tile {
	tileSize := b.Geometry.TileSize()

	b.mu.Lock()
	var queuedOp *threadParams
	if ent.block.link != nil {
		queuedOp = ent.block.link.Value.(*threadParams)
	} else if b.inProgress != nil && b.inProgress.block == ent.block {
		queuedOp = b.inProgress
	}

	if queuedOp != nil {
		var t *tile.Tile
		if queuedOp.tile != nil {
			t = queuedOp.tile.Dup()
		} else {
			t = tile.New(b.alloc, tileSize)
			if !decompress(ent.block.compression, queuedOp.compressed, t.Data()) {
				b.logger.Warn("swap: failed to decompress queued tile")
			}
		}
		b.mu.Unlock()
		t.MarkAsStored()
		return t
	}

	offset := ent.block.offset
	size := ent.block.size
	compression := ent.block.compression
	b.mu.Unlock()

	t := tile.New(b.alloc, tileSize)
	t.MarkAsStored()

	if offset < 0 || b.file == nil {
		b.logger.Warn("swap: no storage allocated for tile")
		return t
	}

	var raw []byte
	if compression != CodecNone {
		raw = make([]byte, size)
	} else {
		raw = t.Data()
	}

	atomic.StoreInt32(&b.reading, 1)
	n, err := b.file.ReadAt(raw[:size], offset)
	atomic.StoreInt32(&b.reading, 0)

	if err != nil || n != int(size) {
		b.logger.Warn("swap: short read from swap file", "err", err, "read", n, "want", size)
		return t
	}
	atomic.AddInt64(&b.readTotal, int64(n))

	if compression != CodecNone {
		if !decompress(compression, raw, t.Data()) {
			b.logger.Warn("swap: failed to decompress tile")
		}
	}

	return t
}

// pushQueueLocked enqueues p, blocking the calling goroutine if the queue is
// already over its byte budget. Compresses opportunistically under memory
// pressure so a stalled producer at least shrinks the backlog while it
// waits. Must be called with b.mu held.
func (b *Backend) pushQueueLocked(p *threadParams, head bool) {
	if p.tile != nil || p.compressed != nil {
		if p.tile != nil {
			p.block.compression = b.codec
		}

		if b.queuedCost > b.queuedMax {
			b.queueStalls++

			if p.tile != nil && b.codec != CodecNone {
				src := p.tile.Data()
				b.mu.Unlock()
				compressed := compressBuf(b.codec, src)
				b.mu.Lock()

				if compressed != nil {
					p.tile.Unref()
					p.tile = nil
					p.compressed = compressed
					p.compressedSize = len(compressed)
				} else {
					p.block.compression = CodecNone
				}
			}

			for b.queuedCost > b.queuedMax {
				b.pushCond.Wait()
			}
		}

		if p.tile != nil {
			b.queuedTotal += int64(p.size)
		} else {
			b.queuedTotal += int64(p.compressedSize)
		}
		b.queuedCost += int64(p.compressedSize)
	}

	atomic.StoreInt32(&b.busy, 1)

	var el *list.Element
	if head {
		el = b.queue.PushFront(p)
	} else {
		el = b.queue.PushBack(p)
	}
	if p.block != nil {
		p.block.link = el
	}

	b.queueCond.Broadcast()
}

// freeQueuedDataLocked releases the payload a completed (or superseded)
// write was carrying, broadcasting to any stalled producer if this drops
// the queue back under budget. Must be called with b.mu held.
func (b *Backend) freeQueuedDataLocked(p *threadParams) {
	if p.tile == nil && p.compressed == nil {
		return
	}

	wasOver := b.queuedCost > b.queuedMax

	if p.tile != nil {
		b.queuedTotal -= int64(p.size)
		p.tile.Unref()
		p.tile = nil
	} else {
		b.queuedTotal -= int64(p.compressedSize)
		p.compressed = nil
	}
	b.queuedCost -= int64(p.compressedSize)

	if wasOver && b.queuedCost <= b.queuedMax {
		b.pushCond.Broadcast()
	}
}

// writerLoop is the single goroutine that performs all disk I/O for this
// backend, draining the write/destroy queue until Close is called and the
// queue runs dry.
func (b *Backend) writerLoop() {
	defer b.wg.Done()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		for b.queue.Len() == 0 && !b.closed {
			atomic.StoreInt32(&b.busy, 0)
			b.queueCond.Wait()
		}
		if b.queue.Len() == 0 {
			return
		}

		el := b.queue.Front()
		p := el.Value.(*threadParams)
		b.queue.Remove(el)
		if p.block != nil {
			b.inProgress = p
			p.block.link = nil
		}

		b.mu.Unlock()
		switch p.op {
		case opWrite:
			b.doWrite(p)
		case opDestroy:
			b.doDestroy(p)
		}
		b.mu.Lock()

		b.inProgress = nil
		b.freeQueuedDataLocked(p)
	}
}

func (b *Backend) doWrite(p *threadParams) {
	b.ensureFileOpen()
	if b.file == nil {
		return
	}

	var data []byte
	var toWrite int

	if p.tile != nil {
		data = p.tile.Data()
		toWrite = p.size

		if p.block.compression != CodecNone {
			compressed := compressBuf(p.block.compression, data)
			if compressed != nil {
				data = compressed
				toWrite = len(compressed)
			} else {
				p.block.compression = CodecNone
			}
		}
	} else {
		data = p.compressed
		toWrite = p.compressedSize
	}

	b.mu.Lock()
	if p.block.offset >= 0 && int(p.block.size) != toWrite {
		atomic.AddInt64(&b.totalUncompressed, -int64(p.size))
		b.freeBlockSpaceLocked(p.block)
	}
	if p.block.offset < 0 {
		offset := b.findOffsetLocked(int64(toWrite))
		p.block.offset = offset
		p.block.size = int32(toWrite)
		atomic.AddInt64(&b.totalUncompressed, int64(p.size))
	}
	offset := p.block.offset
	b.mu.Unlock()

	atomic.StoreInt32(&b.writing, 1)
	_, err := b.file.WriteAt(data, offset)
	atomic.StoreInt32(&b.writing, 0)

	if err != nil {
		b.logger.Warn("swap: write failed", "err", err)
		return
	}
	atomic.AddInt64(&b.writeTotal, int64(toWrite))
}

func (b *Backend) doDestroy(p *threadParams) {
	if p.block.offset >= 0 {
		atomic.AddInt64(&b.totalUncompressed, -int64(p.size))
	}
	b.mu.Lock()
	b.freeBlockSpaceLocked(p.block)
	b.mu.Unlock()
}

// findOffsetLocked returns an offset with room for size bytes, taken
// first-fit from the gap list, growing the file by growthBlocks*size when
// no gap is large enough. Must be called with b.mu held.
func (b *Backend) findOffsetLocked(size int64) int64 {
	b.total += size

	for i, g := range b.gapList {
		length := g.end - g.start
		if length > size {
			offset := g.start
			b.gapList[i].start += size
			return offset
		}
		if length == size {
			offset := g.start
			b.gapList = append(b.gapList[:i], b.gapList[i+1:]...)
			return offset
		}
	}

	offset := b.fileSize
	b.resizeLocked(b.fileSize + growthBlocks*size)
	b.insertGapLocked(offset+size, b.fileSize)
	return offset
}

func (b *Backend) resizeLocked(size int64) {
	b.fileSize = size
	if b.file == nil {
		return
	}
	if err := fallocate(b.file, size); err != nil {
		if err := b.file.Truncate(size); err != nil {
			b.logger.Warn("swap: failed to resize swap file", "err", err)
		}
	}
}

// freeBlockSpaceLocked returns blk's disk space to the gap list. Must be
// called with b.mu held.
func (b *Backend) freeBlockSpaceLocked(blk *block) {
	if blk.offset < 0 {
		return
	}
	start := blk.offset
	end := start + int64(blk.size)
	blk.offset = -1

	b.insertGapLocked(start, end)
	b.total -= end - start
}

// insertGapLocked adds [start, end) to the sorted gap list, merging with a
// neighbouring gap on either side if contiguous. Must be called with b.mu
// held.
func (b *Backend) insertGapLocked(start, end int64) {
	i := sort.Search(len(b.gapList), func(i int) bool { return b.gapList[i].start >= start })

	mergedLower := i > 0 && b.gapList[i-1].end == start
	mergedUpper := i < len(b.gapList) && b.gapList[i].start == end

	switch {
	case mergedLower && mergedUpper:
		b.gapList[i-1].end = b.gapList[i].end
		b.gapList = append(b.gapList[:i], b.gapList[i+1:]...)
	case mergedLower:
		b.gapList[i-1].end = end
	case mergedUpper:
		b.gapList[i].start = start
	default:
		b.gapList = append(b.gapList, swapGap{})
		copy(b.gapList[i+1:], b.gapList[i:])
		b.gapList[i] = swapGap{start: start, end: end}
	}
}

func (b *Backend) ensureFileOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		return
	}

	f, path, err := b.files.CreateFile("shared")
	if err != nil || f == nil {
		b.logger.Warn("swap: using swap backend, but swap is disabled", "err", err)
		return
	}
	b.file = f
	b.path = path
}

// Close stops the writer goroutine once the queue drains, then releases the
// swap file. Any tiles still queued are written or destroyed first.
func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	b.queueCond.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	if b.path != "" {
		b.files.RemoveFile(b.path)
		b.path = ""
	}
	b.gapList = nil
	b.fileSize = 0
}

// Stats is a snapshot of the swap backend's counters, for the stats server
// and tilestorectl.
type Stats struct {
	Total             int64
	TotalUncompressed int64
	FileSize          int64
	QueuedTotal       int64
	QueueFull         bool
	QueueStalls       int64
	Reading           bool
	ReadTotal         int64
	Writing           bool
	WriteTotal        int64
	Busy              bool
	Gaps              int
	FreeBytes         int64
}

// Stats returns a snapshot of the backend's current counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var free int64
	for _, g := range b.gapList {
		free += g.end - g.start
	}

	return Stats{
		Total:             b.total,
		TotalUncompressed: atomic.LoadInt64(&b.totalUncompressed),
		FileSize:          b.fileSize,
		QueuedTotal:       b.queuedTotal,
		QueueFull:         b.queuedCost > b.queuedMax,
		QueueStalls:       b.queueStalls,
		Reading:           atomic.LoadInt32(&b.reading) != 0,
		ReadTotal:         atomic.LoadInt64(&b.readTotal),
		Writing:           atomic.LoadInt32(&b.writing) != 0,
		WriteTotal:        atomic.LoadInt64(&b.writeTotal),
		Busy:              atomic.LoadInt32(&b.busy) != 0,
		Gaps:              len(b.gapList),
		FreeBytes:         free,
	}
}

// GapIntervals returns a copy of the current free-space intervals, for
// `tilestorectl swap gaps`.
func (b *Backend) GapIntervals() []struct{ Start, End int64 } {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]struct{ Start, End int64 }, len(b.gapList))
	for i, g := range b.gapList {
		out[i] = struct{ Start, End int64 }{g.start, g.end}
	}
	return out
}

func compressBuf(codec Codec, src []byte) []byte {
	if codec != CodecFast || len(src) == 0 {
		return nil
	}

	maxSize := int(float64(len(src)) * compressionMaxRatio)
	if maxSize <= 0 {
		return nil
	}

	dst := snappy.Encode(nil, src)
	if len(dst) > maxSize {
		return nil
	}
	return dst
}

func decompress(codec Codec, src, dst []byte) bool {
	if codec != CodecFast {
		if len(src) != len(dst) {
			return false
		}
		copy(dst, src)
		return true
	}

	out, err := snappy.Decode(dst[:0], src)
	if err != nil {
		return false
	}
	if len(out) > 0 && len(dst) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return true
}
