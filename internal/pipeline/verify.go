package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bamsammich/bale/internal/digest"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/transport"
)

// Verifier compares the digest of an uploaded archive, computed at the
// destination, with the digest recorded locally.
type Verifier struct {
	hasher transport.RemoteHasher
}

// NewVerifier returns a Verifier asking h for remote digests.
func NewVerifier(h transport.RemoteHasher) *Verifier {
	return &Verifier{hasher: h}
}

// Verify returns the remote digest of dst when it equals expected.
//
// A missing remote file and a mismatch are integrity failures and are never
// retried automatically. A destination that cannot compute a digest yields a
// verification-unavailable failure the operator may retry.
func (v *Verifier) Verify(ctx context.Context, p *manifest.PartManifest, dst string) (string, error) {
	remote, err := v.hasher.RemoteDigest(ctx, dst)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, transport.ErrRemoteMissing):
		return "", stageErr(p, manifest.KindIntegrity, manifest.RetryTerminal, err)
	default:
		return "", stageErr(p, manifest.KindVerificationUnavailable, manifest.RetryOperator, err)
	}

	if !digest.Equal(remote, p.SHA256) {
		return remote, stageErr(p, manifest.KindIntegrity, manifest.RetryTerminal,
			fmt.Errorf("%w: local %s, remote %s", ErrDigestMismatch, p.SHA256, remote))
	}
	return remote, nil
}
