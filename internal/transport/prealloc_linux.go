//go:build linux

package transport

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for f without changing its length, so a
// resumed partial file still reports how much was written.
//
//nolint:gosec // G115: fd values are small non-negative integers
func preallocate(f *os.File, size int64) {
	//nolint:errcheck // advisory; not every filesystem supports fallocate
	unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
}
