//go:build linux

package swap

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocate grows f to size bytes without writing zeroes for the new
// region, matching the posix_fallocate call the backend this package is
// grounded on uses to grow its swap file in 32x-block increments. Falls
// back to Truncate at the call site if this returns an error (e.g. the
// underlying filesystem doesn't support fallocate).
func fallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
