package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/bamsammich/bale/internal/digest"
)

var _ Transport = (*Local)(nil)

// Local delivers archives to a directory on this machine, typically a
// mounted removable or network disk.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal returns a local transport. limiter may be nil.
func NewLocal(limiter *rate.Limiter) *Local {
	return &Local{limiter: limiter}
}

func (*Local) String() string { return "local" }
func (*Local) Close() error   { return nil }

// Upload copies src to dst through dst+".partial". An existing partial file
// no larger than src is resumed from its current length.
func (l *Local) Upload(ctx context.Context, src, dst string, progress Progress) error {
	in, err := os.Open(src)
	if err != nil {
		return Permanent(fmt.Errorf("open %s: %w", src, err))
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return Permanent(fmt.Errorf("stat %s: %w", src, err))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}

	partial := dst + ".partial"
	var offset int64
	if pi, err := os.Stat(partial); err == nil && pi.Size() <= info.Size() {
		offset = pi.Size()
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", partial, err)
	}
	defer out.Close()

	if offset == 0 {
		preallocate(out, info.Size())
	} else {
		if _, err := out.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", partial, err)
		}
		if _, err := in.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", src, err)
		}
	}

	if _, err := io.Copy(out, newCopyReader(ctx, in, l.limiter, offset, progress)); err != nil {
		return fmt.Errorf("copy to %s: %w", partial, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", partial, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", partial, err)
	}
	if err := os.Rename(partial, dst); err != nil {
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

// RemoteDigest hashes the delivered file in place.
func (*Local) RemoteDigest(ctx context.Context, dst string) (string, error) {
	sum, _, err := digest.File(ctx, dst, nil)
	switch {
	case err == nil:
		return sum, nil
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: %s", ErrRemoteMissing, dst)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	default:
		return "", unavailable("%v", err)
	}
}
