package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently
// across log statements so aggregation and querying stays uniform.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Tile command protocol
	// ========================================================================
	KeyCommand = "command" // Command name: GET, SET, VOID, COPY, ...
	KeyX       = "x"       // Tile column
	KeyY       = "y"       // Tile row
	KeyZ       = "z"       // Mipmap level
	KeyStorage = "storage" // Tile storage identifier

	// ========================================================================
	// Cache layer
	// ========================================================================
	KeyCacheHit      = "cache_hit"      // Cache hit indicator
	KeyCacheTotal    = "cache_total"    // Process-wide cache total, bytes
	KeyCacheBudget   = "cache_budget"   // Process-wide cache target size, bytes
	KeyEvicted       = "evicted"        // Number of entries evicted by a trim pass
	KeyDamageMask    = "damage_mask"    // 64-bit damage bitmask
	KeyCloneCount    = "clone_count"    // Number of COW clones sharing a tile's data

	// ========================================================================
	// Swap backend
	// ========================================================================
	KeySwapPath       = "swap_path"       // Swap directory or file path
	KeySwapOffset     = "swap_offset"     // Byte offset within the swap file
	KeySwapSize       = "swap_size"       // Byte length of a swap block
	KeyCompression    = "compression"     // Compression codec name, or "none"
	KeyQueueBytes     = "queue_bytes"     // Current swap write queue size, bytes
	KeyQueueMax       = "queue_max"       // Swap write queue budget, bytes

	// ========================================================================
	// Worker pool / processor
	// ========================================================================
	KeyThreadIndex = "thread_index" // Worker index within a Distribute call
	KeyThreadCount = "thread_count" // Number of workers a Distribute call used
	KeyProgress    = "progress"     // Processor completion ratio, 0..1

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeySource     = "source"      // Component emitting the log line
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Command returns a slog.Attr for a tile command name.
func Command(name string) slog.Attr {
	return slog.String(KeyCommand, name)
}

// TileCoord returns the (x, y, z) attrs for a tile command.
func TileCoord(x, y, z int) []slog.Attr {
	return []slog.Attr{
		slog.Int(KeyX, x),
		slog.Int(KeyY, y),
		slog.Int(KeyZ, z),
	}
}

// Storage returns a slog.Attr for a tile storage identifier.
func Storage(id string) slog.Attr {
	return slog.String(KeyStorage, id)
}

// CacheHit returns a slog.Attr for a cache hit/miss indicator.
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// CacheTotal returns a slog.Attr for the process-wide cache total.
func CacheTotal(bytes int64) slog.Attr {
	return slog.Int64(KeyCacheTotal, bytes)
}

// CacheBudget returns a slog.Attr for the process-wide cache target size.
func CacheBudget(bytes int64) slog.Attr {
	return slog.Int64(KeyCacheBudget, bytes)
}

// Evicted returns a slog.Attr for the number of entries a trim pass evicted.
func Evicted(n int) slog.Attr {
	return slog.Int(KeyEvicted, n)
}

// DamageMask returns a slog.Attr for a tile's damage bitmask.
func DamageMask(mask uint64) slog.Attr {
	return slog.Uint64(KeyDamageMask, mask)
}

// CloneCount returns a slog.Attr for a tile's COW clone count.
func CloneCount(n int32) slog.Attr {
	return slog.Any(KeyCloneCount, n)
}

// SwapPath returns a slog.Attr for a swap directory or file path.
func SwapPath(path string) slog.Attr {
	return slog.String(KeySwapPath, path)
}

// SwapOffset returns a slog.Attr for a byte offset within the swap file.
func SwapOffset(off int64) slog.Attr {
	return slog.Int64(KeySwapOffset, off)
}

// SwapSize returns a slog.Attr for the byte length of a swap block.
func SwapSize(size int) slog.Attr {
	return slog.Int(KeySwapSize, size)
}

// Compression returns a slog.Attr for a compression codec name.
func Compression(codec string) slog.Attr {
	return slog.String(KeyCompression, codec)
}

// QueueBytes returns a slog.Attr for the current swap write queue size.
func QueueBytes(bytes int64) slog.Attr {
	return slog.Int64(KeyQueueBytes, bytes)
}

// QueueMax returns a slog.Attr for the swap write queue budget.
func QueueMax(bytes int64) slog.Attr {
	return slog.Int64(KeyQueueMax, bytes)
}

// ThreadIndex returns a slog.Attr for a worker's index within a Distribute call.
func ThreadIndex(i int) slog.Attr {
	return slog.Int(KeyThreadIndex, i)
}

// ThreadCount returns a slog.Attr for the number of workers a Distribute call used.
func ThreadCount(n int) slog.Attr {
	return slog.Int(KeyThreadCount, n)
}

// Progress returns a slog.Attr for a processor's completion ratio.
func Progress(ratio float64) slog.Attr {
	return slog.Float64(KeyProgress, ratio)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or a zero Attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Source returns a slog.Attr for the component emitting a log line.
func Source(src string) slog.Attr {
	return slog.String(KeySource, src)
}
