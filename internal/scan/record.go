package scan

import (
	"path"
	"strings"
	"time"
)

// FileType identifies the kind of entry a FileRecord describes.
type FileType string

const (
	File    FileType = "file"
	Dir     FileType = "dir" // empty-directory placeholder
	Symlink FileType = "symlink"
)

// FileRecord describes a single entry under the scan root. Records are
// immutable once the scanner emits them.
type FileRecord struct {
	ModTime    time.Time `json:"mtime"`
	Path       string    `json:"path"` // slash-separated, relative to the root
	LinkTarget string    `json:"link_target,omitempty"`
	Ext        string    `json:"ext,omitempty"`
	Type       FileType  `json:"type"`
	Size       int64     `json:"size"`
}

// DevIno uniquely identifies an inode for cycle detection.
type DevIno struct {
	Dev uint64
	Ino uint64
}

func extOf(name string) string {
	return strings.TrimPrefix(path.Ext(name), ".")
}
