//go:build darwin

package scan

import (
	"os"
	"syscall"
)

// devInoOf returns the device/inode pair backing info.
func devInoOf(info os.FileInfo) (DevIno, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return DevIno{}, false
	}
	return DevIno{Dev: uint64(stat.Dev), Ino: stat.Ino}, true //nolint:gosec // G115: dev_t is int32 on darwin
}
