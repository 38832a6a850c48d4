// Package pipeline drives each part of a run through archive, hash, upload
// and verify, persisting the part manifest after every transition so a run
// can be resumed from whatever status it was left in.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/bale/internal/archive"
	"github.com/bamsammich/bale/internal/event"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/stats"
	"github.com/bamsammich/bale/internal/transport"
)

// Recorder receives every status transition. The journal implements it.
type Recorder interface {
	RecordTransition(ctx context.Context, runID string, partID int, t manifest.Transition) error
}

// DestinationFunc is asked once for each planned part without a destination.
// It returns the remote directory for the part, or ok=false to leave the
// part awaiting a destination.
type DestinationFunc func(ctx context.Context, p *manifest.PartManifest) (dest string, ok bool, err error)

// Config wires the driver to its collaborators.
type Config struct {
	Store       *manifest.Store
	Journal     Recorder // optional
	Archiver    archive.Archiver
	Transport   transport.Transport
	Endpoint    transport.Location // host and user Transport reaches; zero for local
	Destination DestinationFunc    // optional
	Events      chan<- event.Event
	Stats       *stats.Collector
	Logger      *slog.Logger
	Now         func() time.Time

	Workers         int
	TransferRetries int
	RetryBackoff    time.Duration
	CleanupArchives bool
}

// Driver runs the per-part state machine.
type Driver struct {
	cfg      Config
	verifier *Verifier
	log      *slog.Logger
}

// New returns a Driver, filling in defaults for unset options.
func New(cfg Config) *Driver {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.TransferRetries < 0 {
		cfg.TransferRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Driver{cfg: cfg, verifier: NewVerifier(cfg.Transport), log: log}
}

// Result summarizes the parts of a run after the driver returns.
type Result struct {
	RunID    string
	Verified []int
	Failed   []int
	Awaiting []int
	Pending  []int // interrupted or not yet started
	Parts    int
}

// Complete reports whether every part is verified.
func (r Result) Complete() bool {
	return r.Parts > 0 && len(r.Verified) == r.Parts
}

// job is one part being driven, plus how much of its history has been
// handed to the journal.
type job struct {
	p         *manifest.PartManifest
	root      string
	log       *slog.Logger
	journaled int
}

// Run drives every unfinished part of runID as far as it can go. Part
// failures are recorded in the manifests and do not stop other parts; the
// returned error is reserved for persistence failures and cancellation.
func (d *Driver) Run(ctx context.Context, runID string) (Result, error) {
	_, parts, err := d.cfg.Store.Load(runID)
	if err != nil {
		return Result{}, err
	}
	master, err := d.cfg.Store.Reconcile(runID, parts)
	if err != nil {
		return Result{}, err
	}

	var total int64
	for _, p := range parts {
		total += p.TotalSize
		if p.Status == manifest.Verified {
			d.cfg.Stats.AddPartsVerified(1)
		}
	}
	d.cfg.Stats.SetTotals(int64(len(parts)), total)
	d.emit(ctx, event.Event{Type: event.RunStarted, RunID: runID, Parts: len(parts), Total: total})
	d.log.Info("run started", "run", runID, "parts", len(parts), "size", total)

	jobs := make([]*job, 0, len(parts))
	for _, p := range parts {
		j := &job{
			p:         p,
			root:      master.SourceRoot,
			log:       d.log.With("run", runID, "part", p.ID),
			journaled: len(p.History),
		}
		if p.Status.Terminal() {
			continue
		}
		ready, err := d.resolveDestination(ctx, j)
		if err != nil {
			return Result{}, err
		}
		if !ready {
			d.cfg.Stats.AddPartsAwaiting(1)
			d.emit(ctx, event.Event{Type: event.PartAwaiting, RunID: runID, Part: p.ID})
			continue
		}
		jobs = append(jobs, j)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return d.drive(gctx, j) })
	}
	err = g.Wait()

	res := summarize(runID, parts)
	d.emit(context.WithoutCancel(ctx), event.Event{Type: event.RunComplete, RunID: runID, Parts: len(res.Verified)})
	d.log.Info("run finished", "run", runID,
		"verified", len(res.Verified), "failed", len(res.Failed),
		"awaiting", len(res.Awaiting), "pending", len(res.Pending))

	if err == nil {
		err = ctx.Err()
	}
	return res, err
}

// Retry is the explicit operator retry: it resets a failed part to the
// status preceding stage. The next Run picks it up from there.
func (d *Driver) Retry(ctx context.Context, runID string, partID int, stage manifest.Status) error {
	p, err := d.cfg.Store.LoadPart(runID, partID)
	if err != nil {
		return err
	}
	if stage == manifest.Hashing {
		if err := checkArchive(p); err != nil {
			return fmt.Errorf("part %d cannot be rehashed, retry from %s: %w", partID, manifest.Archiving, err)
		}
	}
	j := &job{p: p, log: d.log.With("run", runID, "part", partID), journaled: len(p.History)}
	if err := p.ResetForRetry(stage, d.cfg.Now()); err != nil {
		return err
	}
	j.log.Info("part reset for retry", "stage", stage, "status", p.Status)
	return d.commit(ctx, j)
}

// resolveDestination reports whether the part has somewhere to go, asking
// the destination callback when a planned part has none yet.
func (d *Driver) resolveDestination(ctx context.Context, j *job) (bool, error) {
	p := j.p
	if p.Destination != "" {
		return true, nil
	}
	if p.Status != manifest.Planned {
		return false, fmt.Errorf("part %d is %s without a destination: %w", p.ID, p.Status, manifest.ErrInconsistent)
	}
	if d.cfg.Destination == nil {
		return false, nil
	}
	dest, ok, err := d.cfg.Destination(ctx, p)
	if err != nil {
		return false, fmt.Errorf("destination for part %d: %w", p.ID, err)
	}
	if !ok || dest == "" {
		j.log.Info("part awaiting destination")
		return false, nil
	}
	p.Destination = dest
	p.UpdatedAt = d.cfg.Now()
	return true, d.commit(ctx, j)
}

// drive advances one part until it is verified, failed or interrupted.
func (d *Driver) drive(ctx context.Context, j *job) error {
	for {
		if ctx.Err() != nil {
			j.log.Info("part interrupted", "status", j.p.Status)
			return nil
		}

		var err error
		switch j.p.Status {
		case manifest.Planned:
			err = d.enter(ctx, j, manifest.Archiving)
		case manifest.Archiving:
			err = d.archive(ctx, j)
		case manifest.Archived:
			err = d.enter(ctx, j, manifest.Hashing)
		case manifest.Hashing:
			err = d.hash(ctx, j)
		case manifest.Hashed:
			err = d.enter(ctx, j, manifest.Uploading)
		case manifest.Uploading:
			err = d.upload(ctx, j)
		case manifest.Uploaded:
			err = d.enter(ctx, j, manifest.Verifying)
		case manifest.Verifying:
			err = d.verify(ctx, j)
		case manifest.Verified, manifest.Failed:
			return nil
		default:
			return fmt.Errorf("part %d has unknown status %q", j.p.ID, j.p.Status)
		}

		var se *StageError
		switch {
		case err == nil:
		case errors.As(err, &se):
			if err := d.fail(ctx, j, se); err != nil {
				return err
			}
			return nil
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			j.log.Info("part interrupted", "status", j.p.Status)
			return nil
		default:
			return err
		}
	}
}

// enter starts a stage.
func (d *Driver) enter(ctx context.Context, j *job, stage manifest.Status) error {
	if err := j.p.Advance(stage, d.cfg.Now(), ""); err != nil {
		return err
	}
	if err := d.commit(ctx, j); err != nil {
		return err
	}
	d.emit(ctx, event.Event{Type: event.StageStarted, RunID: j.p.RunID, Part: j.p.ID, Stage: string(stage), Path: j.p.Archive})
	return nil
}

// complete finishes the current stage.
func (d *Driver) complete(ctx context.Context, j *job, size int64, note string) error {
	stage := j.p.Status
	next, _ := stage.Next()
	if err := j.p.Advance(next, d.cfg.Now(), note); err != nil {
		return err
	}
	if err := d.commit(ctx, j); err != nil {
		return err
	}
	j.log.Debug("stage complete", "stage", stage)
	d.emit(ctx, event.Event{Type: event.StageCompleted, RunID: j.p.RunID, Part: j.p.ID, Stage: string(stage), Size: size})
	return nil
}

func (d *Driver) fail(ctx context.Context, j *job, se *StageError) error {
	if err := j.p.Fail(se.failure(), d.cfg.Now()); err != nil {
		return err
	}
	if err := d.commit(ctx, j); err != nil {
		return err
	}
	d.cfg.Stats.AddPartsFailed(1)
	j.log.Error("part failed", "stage", se.Stage, "kind", se.Kind, "retry", se.Retry, "error", se.Err)
	d.emit(ctx, event.Event{Type: event.PartFailed, RunID: j.p.RunID, Part: j.p.ID, Stage: string(se.Stage), Error: se})
	return nil
}

// commit persists the part and journals the transitions recorded since the
// previous commit. It runs to completion even when ctx is cancelled.
func (d *Driver) commit(ctx context.Context, j *job) error {
	ctx = context.WithoutCancel(ctx)
	if err := d.cfg.Store.SavePart(j.p); err != nil {
		return err
	}
	if d.cfg.Journal == nil {
		j.journaled = len(j.p.History)
		return nil
	}
	for _, t := range j.p.History[j.journaled:] {
		if err := d.cfg.Journal.RecordTransition(ctx, j.p.RunID, j.p.ID, t); err != nil {
			return err
		}
		j.journaled++
	}
	return nil
}

// emit delivers a milestone event, waiting for the consumer.
func (d *Driver) emit(ctx context.Context, e event.Event) {
	if d.cfg.Events == nil {
		return
	}
	e.Timestamp = d.cfg.Now()
	select {
	case d.cfg.Events <- e:
	case <-ctx.Done():
	}
}

// progress delivers a progress event if the consumer has room.
func (d *Driver) progress(e event.Event) {
	if d.cfg.Events == nil {
		return
	}
	e.Timestamp = d.cfg.Now()
	select {
	case d.cfg.Events <- e:
	default:
	}
}

func summarize(runID string, parts []*manifest.PartManifest) Result {
	ids := func(keep func(p *manifest.PartManifest) bool) []int {
		return lo.FilterMap(parts, func(p *manifest.PartManifest, _ int) (int, bool) {
			return p.ID, keep(p)
		})
	}
	return Result{
		RunID:    runID,
		Parts:    len(parts),
		Verified: ids(func(p *manifest.PartManifest) bool { return p.Status == manifest.Verified }),
		Failed:   ids(func(p *manifest.PartManifest) bool { return p.Status == manifest.Failed }),
		Awaiting: ids(func(p *manifest.PartManifest) bool {
			return p.Status == manifest.Planned && p.Destination == ""
		}),
		Pending: ids(func(p *manifest.PartManifest) bool {
			return !p.Status.Terminal() && p.Destination != ""
		}),
	}
}

// checkArchive confirms the local archive still has the recorded size.
func checkArchive(p *manifest.PartManifest) error {
	info, err := os.Stat(p.ArchivePath)
	if err != nil {
		return err
	}
	if p.ArchiveSize > 0 && info.Size() != p.ArchiveSize {
		return fmt.Errorf("%w: %s is %d bytes, recorded %d", ErrArchiveChanged, p.ArchivePath, info.Size(), p.ArchiveSize)
	}
	return nil
}
