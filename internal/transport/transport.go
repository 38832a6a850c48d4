// Package transport moves finished archives to their destination and asks
// the destination for a digest of what arrived.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	// ErrHashUnavailable means the destination could not compute a digest:
	// the tool is missing or the connection failed.
	ErrHashUnavailable = errors.New("remote digest unavailable")
	// ErrRemoteMissing means the uploaded file is not at the destination.
	ErrRemoteMissing = errors.New("remote file missing")
)

// Progress is called with the cumulative number of bytes transferred,
// including any bytes resumed from a previous attempt.
type Progress func(done int64)

// Uploader copies a local file to dst, resuming a partial copy left by an
// earlier attempt.
type Uploader interface {
	Upload(ctx context.Context, src, dst string, progress Progress) error
}

// RemoteHasher computes the SHA-256 of a file at the destination.
type RemoteHasher interface {
	RemoteDigest(ctx context.Context, dst string) (string, error)
}

// Transport is an uploader and remote hasher bound to one destination host.
type Transport interface {
	Uploader
	RemoteHasher
	String() string
	Close() error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying automatically.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent, or is a local
// condition that another attempt cannot fix.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHashUnavailable, fmt.Sprintf(format, args...))
}
