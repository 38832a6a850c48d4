// Package archive writes and extracts the compressed tar archives that
// carry one part each.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/bale/internal/scan"
)

// Compression selects the stream compressor wrapped around the tar.
type Compression string

const (
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

// ParseCompression parses a compression name; the empty string means gzip.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q (want gzip or zstd)", s)
	}
}

// Ext returns the archive file extension.
func (c Compression) Ext() string {
	if c == Zstd {
		return ".tar.zst"
	}
	return ".tar.gz"
}

// ErrSourceChanged is returned when a member file no longer has the size
// recorded at scan time.
var ErrSourceChanged = errors.New("source changed since scan")

// Entry maps one archive member to its source on disk.
type Entry struct {
	ModTime    time.Time
	Name       string // slash-separated path inside the archive
	Source     string // absolute path on disk
	LinkTarget string
	Type       scan.FileType
	Size       int64
}

// Result describes a finished archive.
type Result struct {
	Digests map[string]string // member name → hex SHA-256, regular files only
	Size    int64             // compressed archive size
}

// Progress is called with the cumulative number of source bytes archived.
type Progress func(done int64)

// Archiver produces one archive from a list of entries.
type Archiver interface {
	Archive(ctx context.Context, dst string, entries []Entry, progress Progress) (Result, error)
}

// Tar writes deterministic compressed tar archives: members appear in the
// order given, ownership is zeroed and timestamps are truncated to whole
// seconds, so unchanged inputs produce byte-identical output.
type Tar struct {
	Compression Compression
}

// NewTar returns a tar archiver using compression c.
func NewTar(c Compression) *Tar {
	return &Tar{Compression: c}
}

// Archive writes the archive to dst+".partial" and renames it into place
// once the stream is complete. A failed or cancelled run leaves the partial
// file behind; the next attempt truncates it.
func (a *Tar) Archive(ctx context.Context, dst string, entries []Entry, progress Progress) (Result, error) {
	tmp := dst + ".partial"
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return Result{}, fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.Create(tmp)
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", tmp, err)
	}
	defer f.Close()

	zw, err := a.compressor(f)
	if err != nil {
		return Result{}, err
	}

	tw := tar.NewWriter(zw)
	res := Result{Digests: make(map[string]string)}
	var done int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		sum, err := writeEntry(ctx, tw, e, func(n int64) {
			if progress != nil {
				progress(done + n)
			}
		})
		if err != nil {
			return Result{}, fmt.Errorf("archive %s: %w", e.Name, err)
		}
		if sum != "" {
			res.Digests[e.Name] = sum
		}
		done += e.Size
	}

	if err := tw.Close(); err != nil {
		return Result{}, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s stream: %w", a.Compression, err)
	}
	if err := f.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync %s: %w", tmp, err)
	}
	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return Result{}, fmt.Errorf("rename %s: %w", dst, err)
	}
	res.Size = info.Size()
	return res, nil
}

func (a *Tar) compressor(w io.Writer) (io.WriteCloser, error) {
	switch a.Compression {
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return zw, nil
	case Gzip, "":
		// A zero gzip header (no name, no mtime) keeps output reproducible.
		return gzip.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", a.Compression)
	}
}

func writeEntry(ctx context.Context, tw *tar.Writer, e Entry, progress func(int64)) (string, error) {
	hdr := &tar.Header{
		Name:    e.Name,
		ModTime: e.ModTime.Truncate(time.Second),
		Mode:    0o644,
	}

	switch e.Type {
	case scan.Dir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		hdr.Mode = 0o755
		if info, err := os.Stat(e.Source); err == nil {
			hdr.Mode = int64(info.Mode().Perm())
		}
		return "", tw.WriteHeader(hdr)

	case scan.Symlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
		hdr.Mode = 0o777
		return "", tw.WriteHeader(hdr)
	}

	f, err := os.Open(e.Source)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", e.Source)
	}
	if info.Size() != e.Size {
		return "", fmt.Errorf("%w: size %d, expected %d", ErrSourceChanged, info.Size(), e.Size)
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = e.Size
	hdr.Mode = int64(info.Mode().Perm())
	if err := tw.WriteHeader(hdr); err != nil {
		return "", err
	}

	h := sha256.New()
	src := &ctxReader{ctx: ctx, r: f, progress: progress}
	n, err := io.CopyN(tw, io.TeeReader(src, h), e.Size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: truncated at %d of %d bytes", ErrSourceChanged, n, e.Size)
		}
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader fails reads once ctx is done and reports cumulative progress.
type ctxReader struct {
	ctx      context.Context
	r        io.Reader
	progress func(int64)
	n        int64
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if n > 0 && c.progress != nil {
		c.progress(c.n)
	}
	return n, err
}

// Entries converts scanned records under root into archive entries.
func Entries(root string, records []scan.FileRecord) []Entry {
	entries := make([]Entry, len(records))
	for i, r := range records {
		entries[i] = Entry{
			Name:       r.Path,
			Source:     filepath.Join(root, filepath.FromSlash(r.Path)),
			Type:       r.Type,
			Size:       r.Size,
			ModTime:    r.ModTime,
			LinkTarget: r.LinkTarget,
		}
	}
	return entries
}
