package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bamsammich/bale/internal/archive"
	"github.com/bamsammich/bale/internal/digest"
	"github.com/bamsammich/bale/internal/event"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/scan"
	"github.com/bamsammich/bale/internal/transport"
)

func (d *Driver) archive(ctx context.Context, j *job) error {
	p := j.p
	records := make([]scan.FileRecord, len(p.Files))
	for i, f := range p.Files {
		records[i] = f.FileRecord
	}

	res, err := d.cfg.Archiver.Archive(ctx, p.ArchivePath, archive.Entries(j.root, records),
		d.tracker(p, manifest.Archiving, p.TotalSize, d.cfg.Stats.AddBytesArchived))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageErr(p, manifest.KindArchive, manifest.RetryOperator, err)
	}

	for i := range p.Files {
		if p.Files[i].Type == scan.File {
			p.Files[i].SHA256 = res.Digests[p.Files[i].Path]
		}
	}
	p.ArchiveSize = res.Size
	j.log.Info("archived", "archive", p.ArchivePath, "size", res.Size, "files", len(p.Files))
	return d.complete(ctx, j, res.Size, "")
}

func (d *Driver) hash(ctx context.Context, j *job) error {
	p := j.p
	if err := checkArchive(p); err != nil {
		return stageErr(p, manifest.KindHash, manifest.RetryOperator, err)
	}

	sum, n, err := digest.File(ctx, p.ArchivePath,
		d.tracker(p, manifest.Hashing, p.ArchiveSize, d.cfg.Stats.AddBytesHashed))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageErr(p, manifest.KindHash, manifest.RetryOperator, err)
	}

	p.SHA256 = sum
	p.ArchiveSize = n
	j.log.Info("hashed", "sha256", sum)
	return d.complete(ctx, j, n, "")
}

// upload sends the archive, then a copy of the part manifest next to it.
// Transient failures are retried with exponential backoff.
func (d *Driver) upload(ctx context.Context, j *job) error {
	p := j.p
	dst, err := d.remotePath(p)
	if err != nil {
		return stageErr(p, manifest.KindTransfer, manifest.RetryOperator, err)
	}
	progress := d.tracker(p, manifest.Uploading, p.ArchiveSize, d.cfg.Stats.AddBytesUploaded)

	attempts, err := d.withRetries(ctx, j, func() error {
		return d.cfg.Transport.Upload(ctx, p.ArchivePath, dst, progress)
	})
	if err == nil {
		_, err = d.withRetries(ctx, j, func() error { return d.uploadManifest(ctx, p, dst) })
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		se := stageErr(p, manifest.KindTransfer, manifest.RetryOperator, err)
		se.Attempts = attempts
		return se
	}

	note := ""
	if attempts > 1 {
		note = fmt.Sprintf("after %d attempts", attempts)
	}
	j.log.Info("uploaded", "destination", dst, "transport", d.cfg.Transport.String())
	return d.complete(ctx, j, p.ArchiveSize, note)
}

func (d *Driver) uploadManifest(ctx context.Context, p *manifest.PartManifest, dst string) error {
	local := p.ArchivePath + ".json"
	if err := d.cfg.Store.WritePartCopy(p, local); err != nil {
		return transport.Permanent(err)
	}
	return d.cfg.Transport.Upload(ctx, local, dst+".json", nil)
}

// withRetries runs op until it succeeds, fails permanently or exhausts
// TransferRetries. It returns the number of attempts made.
func (d *Driver) withRetries(ctx context.Context, j *job, op func() error) (int, error) {
	backoff := d.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || ctx.Err() != nil || transport.IsPermanent(err) || attempt > d.cfg.TransferRetries {
			return attempt, err
		}

		j.log.Warn("transfer failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		d.cfg.Stats.AddRetries(1)
		d.emit(ctx, event.Event{
			Type: event.TransferRetry, RunID: j.p.RunID, Part: j.p.ID,
			Stage: string(manifest.Uploading), Attempt: attempt, Error: err,
		})

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func (d *Driver) verify(ctx context.Context, j *job) error {
	p := j.p
	dst, err := d.remotePath(p)
	if err != nil {
		return stageErr(p, manifest.KindTransfer, manifest.RetryOperator, err)
	}
	remote, err := d.verifier.Verify(ctx, p, dst)
	p.RemoteSHA256 = remote
	if err != nil {
		return err
	}

	if err := d.complete(ctx, j, p.ArchiveSize, ""); err != nil {
		return err
	}
	d.cfg.Stats.AddPartsVerified(1)
	j.log.Info("verified", "destination", p.Destination)
	d.emit(ctx, event.Event{Type: event.PartVerified, RunID: p.RunID, Part: p.ID, Path: p.Destination, Size: p.ArchiveSize})

	if d.cfg.CleanupArchives {
		for _, f := range []string{p.ArchivePath, p.ArchivePath + ".json"} {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				j.log.Warn("archive cleanup failed", "path", f, "error", err)
			}
		}
	}
	return nil
}

// tracker returns a progress callback that feeds the collector with deltas
// and emits stage progress events.
func (d *Driver) tracker(p *manifest.PartManifest, stage manifest.Status, total int64, add func(int64)) func(int64) {
	var last int64
	return func(done int64) {
		add(done - last)
		last = done
		d.progress(event.Event{
			Type: event.StageProgress, RunID: p.RunID, Part: p.ID,
			Stage: string(stage), Size: done, Total: total,
		})
	}
}

// remotePath is where the part's archive lives at its destination. A
// destination on another endpoint than the transport's is refused.
func (d *Driver) remotePath(p *manifest.PartManifest) (string, error) {
	loc := transport.ParseLocation(p.Destination)
	if !loc.SameEndpoint(d.cfg.Endpoint) {
		return "", fmt.Errorf("%w: part goes to %s, transport is %s", ErrWrongEndpoint, p.Destination, d.cfg.Transport)
	}
	return loc.Join(p.Archive), nil
}
