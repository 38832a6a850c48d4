package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/samber/lo"

	"github.com/bamsammich/bale/internal/plan"
	"github.com/bamsammich/bale/internal/scan"
)

// RunInfo identifies a run and where its archives are written.
type RunInfo struct {
	RunID      string
	Name       string
	SourceRoot string
	ArchiveDir string
	ArchiveExt string // e.g. ".tar.gz"
}

// ArchiveName returns the archive file name for part id.
func ArchiveName(name string, id int, ext string) string {
	return fmt.Sprintf("%s-part%04d%s", name, id, ext)
}

// Build converts a plan into the initial manifests of a run. Every part
// starts out planned.
func Build(info RunInfo, res plan.Result, now time.Time) (*MasterManifest, []*PartManifest) {
	master := &MasterManifest{
		Version:    Version,
		RunID:      info.RunID,
		Name:       info.Name,
		SourceRoot: info.SourceRoot,
		Budget:     res.Budget,
		TotalSize:  res.TotalSize,
		TotalFiles: res.TotalFiles,
		CreatedAt:  now,
		UpdatedAt:  now,
		Parts:      make([]PartSummary, 0, len(res.Parts)),
	}

	parts := make([]*PartManifest, 0, len(res.Parts))
	for _, p := range res.Parts {
		archive := ArchiveName(info.Name, p.ID, info.ArchiveExt)
		pm := &PartManifest{
			Version:     Version,
			RunID:       info.RunID,
			ID:          p.ID,
			Status:      Planned,
			Oversized:   p.Oversized,
			TotalSize:   p.Size,
			Archive:     archive,
			ArchivePath: filepath.Join(info.ArchiveDir, archive),
			Files: lo.Map(p.Files, func(r scan.FileRecord, _ int) FileEntry {
				return FileEntry{FileRecord: r}
			}),
			History:   []Transition{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		parts = append(parts, pm)
		master.Parts = append(master.Parts, PartSummary{
			ID:        p.ID,
			Size:      p.Size,
			Files:     len(p.Files),
			Oversized: p.Oversized,
			Status:    Planned,
			Archive:   archive,
		})
	}
	return master, parts
}

// ErrInconsistent is wrapped by Validate failures.
var ErrInconsistent = errors.New("inconsistent manifests")

// Validate checks that master and parts describe the same run: every part
// id in the master has exactly one part manifest, sizes add up and no file
// belongs to two parts.
func Validate(master *MasterManifest, parts []*PartManifest) error {
	byID := make(map[int]*PartManifest, len(parts))
	for _, p := range parts {
		if p.RunID != master.RunID {
			return fmt.Errorf("%w: part %d belongs to run %s", ErrInconsistent, p.ID, p.RunID)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("%w: duplicate part manifest %d", ErrInconsistent, p.ID)
		}
		byID[p.ID] = p
	}
	if len(byID) != len(master.Parts) {
		return fmt.Errorf("%w: master lists %d parts, found %d part manifests",
			ErrInconsistent, len(master.Parts), len(byID))
	}

	owner := make(map[string]int)
	var total int64
	var files int
	for _, s := range master.Parts {
		p, ok := byID[s.ID]
		if !ok {
			return fmt.Errorf("%w: part %d has no part manifest", ErrInconsistent, s.ID)
		}
		var size int64
		for _, f := range p.Files {
			if prev, taken := owner[f.Path]; taken {
				return fmt.Errorf("%w: %s is in parts %d and %d", ErrInconsistent, f.Path, prev, p.ID)
			}
			owner[f.Path] = p.ID
			size += f.Size
		}
		if size != p.TotalSize || size != s.Size {
			return fmt.Errorf("%w: part %d size mismatch (files %d, part %d, master %d)",
				ErrInconsistent, p.ID, size, p.TotalSize, s.Size)
		}
		total += size
		files += len(p.Files)
	}
	if total != master.TotalSize || files != master.TotalFiles {
		return fmt.Errorf("%w: parts hold %d files/%d bytes, master records %d/%d",
			ErrInconsistent, files, total, master.TotalFiles, master.TotalSize)
	}
	return nil
}
