package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewBWLimiter returns a limiter capping aggregate upload throughput to
// bytesPerSec, or nil for no limit. One limiter is shared by every worker.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// copyReader fails once ctx is done, throttles through limiter when set
// and reports cumulative progress starting at offset.
type copyReader struct {
	ctx      context.Context
	r        io.Reader
	limiter  *rate.Limiter
	progress Progress
	done     int64
}

func newCopyReader(ctx context.Context, r io.Reader, limiter *rate.Limiter, offset int64, progress Progress) *copyReader {
	return &copyReader{ctx: ctx, r: r, limiter: limiter, progress: progress, done: offset}
}

func (c *copyReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if c.limiter != nil && len(p) > c.limiter.Burst() {
		p = p[:c.limiter.Burst()]
	}
	n, err := c.r.Read(p)
	if n > 0 {
		if c.limiter != nil {
			if waitErr := c.limiter.WaitN(c.ctx, n); waitErr != nil {
				return n, waitErr
			}
		}
		c.done += int64(n)
		if c.progress != nil {
			c.progress(c.done)
		}
	}
	return n, err
}
