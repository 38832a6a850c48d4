//go:build !linux && !darwin

package scan

import "os"

// devInoOf is unavailable on this platform; cycle detection falls back to
// the path-length limit.
func devInoOf(os.FileInfo) (DevIno, bool) {
	return DevIno{}, false
}
