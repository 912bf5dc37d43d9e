// Package memalign provides the aligned byte-buffer primitives the tile
// allocator builds on: allocation, zero-fill, zero testing, and pattern
// fill, plus a process-wide counter of bytes currently outstanding.
//
// Go's allocator already hands out slices on an address suitable for any
// built-in type, so there is no pointer-arithmetic alignment dance to do
// here; what this package keeps from its C ancestor is the accounting
// discipline — every byte handed out through Alloc/Calloc is counted until
// the caller reports it back through Release.
package memalign

import "sync/atomic"

// Alignment is the byte alignment callers can assume Alloc/Calloc honor.
// Go's runtime already aligns slice backing arrays at least this strictly
// for any buffer in the sizes the tile allocator deals with.
const Alignment = 16

var totalBytes int64

// Alloc returns a zero-length-free buffer of size bytes and adds size to
// the outstanding-byte counter. Panics are left to the runtime allocator;
// callers needing a size=0 no-op should check before calling.
func Alloc(size int) []byte {
	buf := make([]byte, size)
	atomic.AddInt64(&totalBytes, int64(size))
	return buf
}

// Calloc allocates n members of size bytes each, zeroed (make already
// zeroes, so this differs from Alloc only in the multiplication it
// performs on the caller's behalf, matching gegl_calloc's signature).
func Calloc(size, n int) []byte {
	return Alloc(size * n)
}

// Release reports that a buffer of size bytes, previously obtained from
// Alloc/Calloc, is no longer in use. It only adjusts the accounting
// counter; Go's GC reclaims the memory once the last reference drops.
func Release(size int) {
	atomic.AddInt64(&totalBytes, -int64(size))
}

// Total returns the number of bytes currently outstanding across every
// Alloc/Calloc call not yet matched by a Release.
func Total() int64 {
	return atomic.LoadInt64(&totalBytes)
}

// IsZero reports whether every byte of buf is zero. Tiles use this to
// detect all-zero pixel data and collapse it to the shared zero-tile
// singleton instead of keeping a private allocation.
func IsZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// FillPattern fills dst with repeated copies of pattern. len(dst) need not
// be a multiple of len(pattern); the final copy is truncated. Used to seed
// newly allocated tile data with a non-zero initial color.
func FillPattern(dst, pattern []byte) {
	if len(pattern) == 0 || len(dst) == 0 {
		return
	}
	if len(pattern) == 1 {
		b := pattern[0]
		for i := range dst {
			dst[i] = b
		}
		return
	}

	n := copy(dst, pattern)
	for n < len(dst) {
		n += copy(dst[n:], dst[:n])
	}
}
