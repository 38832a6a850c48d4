package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bamsammich/bale/internal/digest"
)

// hashCommands are tried in order until one exists on the remote host.
var hashCommands = []string{"sha256sum --", "shasum -a 256 --"}

const exitNotFound = 127

// commandRunner runs a shell command line on the destination host.
type commandRunner func(ctx context.Context, cmd string) (CmdResult, error)

// remoteSHA256 asks the destination host for the digest of dst.
func remoteSHA256(ctx context.Context, run commandRunner, dst string) (string, error) {
	var tried []string
	for _, base := range hashCommands {
		tool := strings.Fields(base)[0]
		res, err := run(ctx, base+" "+shellQuote(dst))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			return "", unavailable("%v", err)
		}
		switch {
		case res.ExitCode == 0:
			sum, err := digest.Parse(res.Stdout)
			if err != nil {
				return "", unavailable("%s: %v", tool, err)
			}
			return sum, nil
		case res.ExitCode == exitNotFound:
			tried = append(tried, tool)
			continue
		case isMissingFile(res.Stderr):
			return "", fmt.Errorf("%w: %s", ErrRemoteMissing, dst)
		default:
			return "", unavailable("%s exited %d: %s", tool, res.ExitCode, res.Stderr)
		}
	}
	return "", unavailable("no digest tool on remote host (tried %s)", strings.Join(tried, ", "))
}

func isMissingFile(stderr string) bool {
	return strings.Contains(stderr, "No such file") || strings.Contains(stderr, "not found")
}
