// Package engine turns a source directory into a persisted run: it scans,
// plans and writes the initial manifests, or picks up the existing run for
// the same name and source.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/bale/internal/archive"
	"github.com/bamsammich/bale/internal/filter"
	"github.com/bamsammich/bale/internal/journal"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/plan"
	"github.com/bamsammich/bale/internal/scan"
)

// ErrBudgetMismatch is returned when an existing run was planned with a
// different budget than requested.
var ErrBudgetMismatch = errors.New("run exists with a different budget")

// RunRecorder stores run metadata. The journal implements it.
type RunRecorder interface {
	RecordRun(ctx context.Context, r journal.Run) error
}

// Config describes the run to prepare.
type Config struct {
	Store   *manifest.Store
	Journal RunRecorder // optional
	Logger  *slog.Logger
	Now     func() time.Time

	// OnRecord is called for every scanned record.
	OnRecord func(scan.FileRecord)
	// Filter leaves matching source paths out of a new run.
	Filter *filter.Rules

	Source           string
	Name             string // defaults to the source directory's base name
	Destination      string // remote root, recorded in the journal
	Compression      archive.Compression
	Budget           int64
	FollowSymlinks   bool
	IncludeEmptyDirs bool
}

// Prepared is a run ready for the pipeline driver.
type Prepared struct {
	Master   *manifest.MasterManifest
	Warnings []string
	RunID    string
	Resumed  bool
	Empty    bool // nothing to transfer; no manifests written
}

// RunID derives the stable identifier of a run from its name and absolute
// source root.
func RunID(name, source string) string {
	h := blake3.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(source))
	sum := h.Sum(nil)
	return name + "-" + hex.EncodeToString(sum[:4])
}

// Scan walks the source and plans parts without persisting anything.
func Scan(ctx context.Context, cfg Config) (plan.Result, error) {
	root, err := sourceRoot(cfg.Source)
	if err != nil {
		return plan.Result{}, err
	}
	var skip func(string, bool) bool
	if cfg.Filter.Len() > 0 {
		skip = cfg.Filter.Skip
	}
	records, err := scan.NewScanner(scan.ScannerConfig{
		Root:             root,
		Skip:             skip,
		FollowSymlinks:   cfg.FollowSymlinks,
		IncludeEmptyDirs: cfg.IncludeEmptyDirs,
		OnRecord:         cfg.OnRecord,
		Logger:           cfg.Logger,
	}).Scan(ctx)
	if err != nil {
		return plan.Result{}, err
	}
	return plan.Plan(records, cfg.Budget)
}

// Prepare returns the run for cfg.Source, creating its manifests on first
// use. An existing run is resumed as persisted; the source is not rescanned.
func Prepare(ctx context.Context, cfg Config) (*Prepared, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}

	root, err := sourceRoot(cfg.Source)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = filepath.Base(root)
	}
	runID := RunID(name, root)

	exists, err := cfg.Store.Exists(runID)
	if err != nil {
		return nil, err
	}
	if exists {
		master, err := cfg.Store.LoadMaster(runID)
		if err != nil {
			return nil, err
		}
		if master.Budget != cfg.Budget {
			return nil, fmt.Errorf("%w: %s was planned with %d bytes, requested %d",
				ErrBudgetMismatch, runID, master.Budget, cfg.Budget)
		}
		log.Info("resuming run", "run", runID, "parts", len(master.Parts))
		return &Prepared{Master: master, RunID: runID, Resumed: true}, nil
	}

	cfg.Source = root
	res, err := Scan(ctx, cfg)
	if err != nil {
		return nil, err
	}
	prep := &Prepared{RunID: runID}
	for _, w := range res.Warnings {
		prep.Warnings = append(prep.Warnings, w.String())
	}
	if res.Empty() {
		log.Info("nothing to transfer", "source", root)
		prep.Empty = true
		return prep, nil
	}

	if warn := checkFreeSpace(ctx, cfg.Store.Root(), res.TotalSize); warn != "" {
		log.Warn(warn)
		prep.Warnings = append(prep.Warnings, warn)
	}

	master, parts := manifest.Build(manifest.RunInfo{
		RunID:      runID,
		Name:       name,
		SourceRoot: root,
		ArchiveDir: cfg.Store.ArchiveDir(runID),
		ArchiveExt: cfg.Compression.Ext(),
	}, res, now().UTC())
	if err := cfg.Store.Create(master, parts); err != nil {
		return nil, err
	}
	log.Info("run planned", "run", runID, "parts", len(parts), "files", res.TotalFiles, "size", res.TotalSize)

	if cfg.Journal != nil {
		if err := cfg.Journal.RecordRun(ctx, journal.Run{
			RunID:       runID,
			Name:        name,
			SourceRoot:  root,
			Destination: cfg.Destination,
			Budget:      res.Budget,
			TotalSize:   res.TotalSize,
			TotalFiles:  res.TotalFiles,
			Parts:       len(parts),
			CreatedAt:   master.CreatedAt,
			UpdatedAt:   master.CreatedAt,
		}); err != nil {
			return nil, err
		}
	}

	prep.Master = master
	return prep, nil
}

// CompressionOf infers the compression a run's archives were written with.
func CompressionOf(master *manifest.MasterManifest) archive.Compression {
	if len(master.Parts) > 0 && strings.HasSuffix(master.Parts[0].Archive, archive.Zstd.Ext()) {
		return archive.Zstd
	}
	return archive.Gzip
}

func sourceRoot(src string) (string, error) {
	root, err := filepath.Abs(src)
	if err != nil {
		return "", &scan.Error{Path: ".", Err: err}
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", &scan.Error{Path: ".", Err: err}
	}
	if !info.IsDir() {
		return "", &scan.Error{Path: ".", Err: fmt.Errorf("%s is not a directory", root)}
	}
	return root, nil
}

// checkFreeSpace returns a warning when the state directory's filesystem
// cannot hold the uncompressed total.
func checkFreeSpace(ctx context.Context, dir string, need int64) string {
	existing := dir
	for {
		if _, err := os.Stat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return ""
		}
		existing = parent
	}
	usage, err := disk.UsageWithContext(ctx, existing)
	if err != nil || need <= 0 {
		return ""
	}
	if usage.Free < uint64(need) {
		return fmt.Sprintf("state directory %s has %s free; archives may need up to %s",
			dir, humanize.IBytes(usage.Free), humanize.IBytes(uint64(need)))
	}
	return ""
}
