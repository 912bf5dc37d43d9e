// Package cachehandler implements the LRU tile cache handler: a per-buffer
// hash table plus LRU queue, backed by process-wide cache accounting and an
// adaptive wash/trim loop, grounded on GEGL's tile-handler-cache.
//
// Process-wide state — the cache list used for cross-cache LRU selection,
// and the running byte totals that decide when to trim — lives in a
// Context value rather than package globals, so a process can run more
// than one independent cache budget (notably, so tests don't share state
// with each other or with a real deployment).
package cachehandler

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Trim tuning. These mirror the constants the handler this package is
// grounded on hardcodes, exposed here through configuration
// (pkg/config.Settings) instead, which Context.Configure does.
const (
	DefaultTrimInterval  = 100 * time.Millisecond
	DefaultTrimRatioMin  = 0.01
	DefaultTrimRatioMax  = 0.50
	DefaultTrimRatioRate = 2.0
	DefaultWashPercent   = 20
)

// Context is the process-wide cache accounting shared by every Cache
// handler that opts into the same budget. Construct one per tile storage
// universe; tests should each get their own so a slow test's tiles never
// push another test's cache over budget.
type Context struct {
	mu      sync.Mutex
	caches  list.List // list of *Cache, in global-LRU scan order
	targetSize int64

	trimInterval  time.Duration
	trimRatioMin  float64
	trimRatioMax  float64
	trimRatioRate float64
	washPercent   int

	clock uint64 // atomic

	total         int64 // atomic: bytes counted once per clone set
	totalMax      int64 // atomic: high-water mark of total
	totalUncloned int64 // atomic: bytes counted once per cache entry
	hits          int64 // atomic
	misses        int64 // atomic

	lastTrim atomic.Int64 // unix nanos
	ratio    atomic.Int64 // bits of a float64, current trim undershoot ratio
}

// NewContext creates a cache accounting domain with the given byte budget.
func NewContext(targetSize int64) *Context {
	ctx := &Context{
		targetSize:    targetSize,
		trimInterval:  DefaultTrimInterval,
		trimRatioMin:  DefaultTrimRatioMin,
		trimRatioMax:  DefaultTrimRatioMax,
		trimRatioRate: DefaultTrimRatioRate,
		washPercent:   DefaultWashPercent,
	}
	ctx.ratio.Store(int64(math.Float64bits(DefaultTrimRatioMin)))
	return ctx
}

// Configure overrides the trim tuning constants, letting a deployment tune
// how aggressively trim undershoots its target under sustained pressure.
func (c *Context) Configure(interval time.Duration, ratioMin, ratioMax, ratioRate float64, washPercent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimInterval = interval
	c.trimRatioMin = ratioMin
	c.trimRatioMax = ratioMax
	c.trimRatioRate = ratioRate
	c.washPercent = washPercent
}

// SetTargetSize updates the cache byte budget, triggering a trim
// immediately if the cache is already over the new target.
func (c *Context) SetTargetSize(size int64) {
	c.mu.Lock()
	c.targetSize = size
	c.mu.Unlock()

	if atomic.LoadInt64(&c.total) > size {
		c.trim()
	}
}

// ForceTrim runs one trim pass immediately, for operator-triggered
// maintenance (cmd/tilestorectl's "cache trim"). A no-op if the cache is
// already at or under its target size. It returns nothing; callers that
// need to know whether the cache ended up within budget compare
// Stats().Total against Stats().TargetSize afterward.
func (c *Context) ForceTrim() {
	c.trim()
}

// Stats is a snapshot of the process-wide cache accounting, exposed for
// introspection (pkg/statsserver, cmd/tilestorectl).
type Stats struct {
	Total         int64
	TotalMax      int64
	TotalUncloned int64
	Hits          int64
	Misses        int64
	TargetSize    int64
}

// Stats returns a snapshot of the current counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	target := c.targetSize
	c.mu.Unlock()

	return Stats{
		Total:         atomic.LoadInt64(&c.total),
		TotalMax:      atomic.LoadInt64(&c.totalMax),
		TotalUncloned: atomic.LoadInt64(&c.totalUncloned),
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		TargetSize:    target,
	}
}

// ResetStats clears the hit/miss counters and rebases the high-water mark
// to the current total, matching gegl_tile_handler_cache_reset_stats.
func (c *Context) ResetStats() {
	atomic.StoreInt64(&c.totalMax, atomic.LoadInt64(&c.total))
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
}

// CacheSizes returns the item count of every cache currently registered
// with this context, in global-scan order, for introspection
// (pkg/statsserver, cmd/tilestorectl).
func (c *Context) CacheSizes() []int {
	c.mu.Lock()
	caches := make([]*Cache, 0, c.caches.Len())
	for e := c.caches.Front(); e != nil; e = e.Next() {
		caches = append(caches, e.Value.(*Cache))
	}
	c.mu.Unlock()

	sizes := make([]int, len(caches))
	for i, cache := range caches {
		sizes[i] = cache.ItemCount()
	}
	return sizes
}

func (c *Context) bumpMax(total int64) {
	for {
		max := atomic.LoadInt64(&c.totalMax)
		if total <= max {
			return
		}
		if atomic.CompareAndSwapInt64(&c.totalMax, max, total) {
			return
		}
	}
}

func (c *Context) nextClock() uint64 {
	return atomic.AddUint64(&c.clock, 1)
}

// connect registers cache in the global scan order, joining the tail like a
// newly opened buffer's storage.
func (c *Context) connect(cache *Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache.elem = c.caches.PushBack(cache)
}

// disconnect removes cache from the global scan order. The cache's own
// storage mutex must not be held by the caller.
func (c *Context) disconnect(cache *Cache) {
	cache.mu.Lock()
	c.mu.Lock()
	if cache.elem != nil {
		c.caches.Remove(cache.elem)
		cache.elem = nil
	}
	c.mu.Unlock()
	cache.mu.Unlock()
}

// findOldestCacheLocked scans the global cache list for the least-recently
// used nonempty cache after prev (or from the head, if prev is nil),
// stamping and relocating the winner so repeated scans resolve quickly once
// most caches are quiescent. Callers must hold c.mu.
func (c *Context) findOldestCacheLocked(prev *Cache) *Cache {
	var start *list.Element
	if prev != nil && prev.elem != nil {
		start = prev.elem.Next()
	} else {
		start = c.caches.Front()
	}

	var oldest *Cache
	var oldestTime uint64

	for e := start; e != nil; e = e.Next() {
		cache := e.Value.(*Cache)
		t := atomic.LoadUint64(&cache.time)
		stamp := atomic.LoadUint64(&cache.stamp)

		if t == 0 {
			continue // empty cache
		}

		if t == stamp {
			oldest = cache
			oldestTime = t
			break
		} else if oldestTime == 0 || t < oldestTime {
			oldest = cache
			oldestTime = t
		}
	}

	if oldest == nil {
		return nil
	}

	atomic.StoreUint64(&oldest.stamp, oldestTime)

	if prev != nil && prev.elem != nil {
		c.caches.MoveAfter(oldest.elem, prev.elem)
	} else {
		c.caches.MoveToFront(oldest.elem)
	}

	return oldest
}
