//go:build !linux

package swap

import "os"

// fallocate has no portable fast path outside Linux, so it grows the file
// with Truncate (sparsely on filesystems that support holes).
func fallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
