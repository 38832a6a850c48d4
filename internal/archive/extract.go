package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
)

// ErrUnsafePath is returned for archive members that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("unsafe member path")

// Extract unpacks the archive at src into dir, creating dir if needed. The
// format is detected from the file name and content. It returns the number
// of members written.
func Extract(ctx context.Context, src, dir string) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	format, stream, err := archives.Identify(ctx, filepath.Base(src), f)
	if err != nil {
		return 0, fmt.Errorf("identify %s: %w", src, err)
	}
	ex, ok := format.(archives.Extractor)
	if !ok {
		return 0, fmt.Errorf("%s: %s is not an extractable format", src, format.Extension())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	var n int
	err = ex.Extract(ctx, stream, func(ctx context.Context, info archives.FileInfo) error {
		if err := extractOne(dir, info); err != nil {
			return fmt.Errorf("%s: %w", info.NameInArchive, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", src, err)
	}
	return n, nil
}

func extractOne(dir string, info archives.FileInfo) error {
	target, err := safeJoin(dir, info.NameInArchive)
	if err != nil {
		return err
	}
	if err := noSymlinkParents(dir, target); err != nil {
		return err
	}

	switch {
	case info.IsDir():
		return os.MkdirAll(target, dirMode(info.Mode()))

	case info.Mode()&fs.ModeSymlink != 0:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(info.LinkTarget, target)

	case info.Mode().IsRegular():
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := info.Open()
		if err != nil {
			return err
		}
		defer src.Close()

		// Replace a symlink left by an earlier member instead of writing through it.
		if fi, err := os.Lstat(target); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return err
		}
		if err := dst.Close(); err != nil {
			return err
		}
		return os.Chtimes(target, info.ModTime(), info.ModTime())

	default:
		// Hard links and device nodes are never written by Tar.
		return nil
	}
}

// safeJoin resolves an archive member name under dir, rejecting absolute
// names and names that climb out of dir.
func safeJoin(dir, name string) (string, error) {
	if path.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	if clean == "." {
		return dir, nil
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

// noSymlinkParents rejects a target whose existing parent directories
// under dir include a symlink.
func noSymlinkParents(dir, target string) error {
	if target == dir {
		return nil
	}
	rel, err := filepath.Rel(dir, filepath.Dir(target))
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	cur := dir
	for _, elem := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, elem)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is below symlink %s", ErrUnsafePath, filepath.Base(target), cur)
		}
	}
	return nil
}

func dirMode(m fs.FileMode) fs.FileMode {
	if p := m.Perm(); p != 0 {
		return p | 0o700
	}
	return 0o755
}
