package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

var _ Transport = (*SFTP)(nil)

// SFTP uploads over an SSH connection and computes remote digests by
// running sha256sum in a separate session on the same connection.
type SFTP struct {
	client  *sftp.Client
	ssh     *ssh.Client
	limiter *rate.Limiter
	host    string
}

// NewSFTP wraps an established SSH connection. The caller must call Close.
func NewSFTP(sshClient *ssh.Client, limiter *rate.Limiter) (*SFTP, error) {
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &SFTP{
		client:  client,
		ssh:     sshClient,
		limiter: limiter,
		host:    sshClient.RemoteAddr().String(),
	}, nil
}

func (t *SFTP) String() string { return "sftp://" + t.host }

// Upload writes src to dst+".partial" on the remote, resuming from the
// partial file's length, then renames it into place.
func (t *SFTP) Upload(ctx context.Context, src, dst string, progress Progress) error {
	in, err := os.Open(src)
	if err != nil {
		return Permanent(fmt.Errorf("open %s: %w", src, err))
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return Permanent(fmt.Errorf("stat %s: %w", src, err))
	}

	if err := t.client.MkdirAll(path.Dir(dst)); err != nil {
		return normalizeSFTPErr(fmt.Errorf("sftp mkdir %s: %w", path.Dir(dst), err))
	}

	partial := dst + ".partial"
	var offset int64
	if pi, err := t.client.Stat(partial); err == nil && pi.Size() <= info.Size() {
		offset = pi.Size()
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	out, err := t.client.OpenFile(partial, flags)
	if err != nil {
		return normalizeSFTPErr(fmt.Errorf("sftp open %s: %w", partial, err))
	}
	defer out.Close()

	if offset > 0 {
		if _, err := out.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("sftp seek %s: %w", partial, err)
		}
		if _, err := in.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", src, err)
		}
	}

	// io.Copy would use the client's concurrent ReadFrom, which cannot
	// observe ctx between chunks; copy through the reader explicitly.
	if _, err := io.Copy(struct{ io.Writer }{out}, newCopyReader(ctx, in, t.limiter, offset, progress)); err != nil {
		return normalizeSFTPErr(fmt.Errorf("sftp write %s: %w", partial, err))
	}
	if err := out.Close(); err != nil {
		return normalizeSFTPErr(fmt.Errorf("sftp close %s: %w", partial, err))
	}

	// SFTP rename fails if the target exists; remove first.
	_ = t.client.Remove(dst)
	if err := t.client.Rename(partial, dst); err != nil {
		return normalizeSFTPErr(fmt.Errorf("sftp rename %s: %w", dst, err))
	}
	return nil
}

// RemoteDigest runs sha256sum (or shasum) on the remote host.
func (t *SFTP) RemoteDigest(ctx context.Context, dst string) (string, error) {
	if _, err := t.client.Stat(dst); err != nil {
		if errors.Is(normalizeSFTPErr(err), fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrRemoteMissing, dst)
		}
		return "", unavailable("stat %s: %v", dst, err)
	}
	return remoteSHA256(ctx, func(ctx context.Context, cmd string) (CmdResult, error) {
		return runRemote(ctx, t.ssh, cmd)
	}, dst)
}

// Close releases the SFTP session and the SSH connection.
func (t *SFTP) Close() error {
	err := t.client.Close()
	if sshErr := t.ssh.Close(); sshErr != nil && err == nil {
		err = sshErr
	}
	return err
}

// normalizeSFTPErr maps SFTP status codes onto the fs sentinel errors so
// callers can classify them with errors.Is.
func normalizeSFTPErr(err error) error {
	var status *sftp.StatusError
	if !errors.As(err, &status) {
		return err
	}
	switch status.FxCode() {
	case sftp.ErrSSHFxNoSuchFile:
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	case sftp.ErrSSHFxPermissionDenied:
		return Permanent(fmt.Errorf("%w: %w", fs.ErrPermission, err))
	default:
		return err
	}
}
