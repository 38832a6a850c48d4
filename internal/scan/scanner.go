package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

const (
	// DefaultMaxPathLen is the longest relative path accepted (PATH_MAX).
	DefaultMaxPathLen = 4096
	// DefaultMaxNameLen is the longest single path component (NAME_MAX).
	DefaultMaxNameLen = 255
)

var (
	// ErrSymlinkCycle is reported when following symlinks re-enters a
	// directory already on the current descent path.
	ErrSymlinkCycle = errors.New("symlink cycle")
	// ErrPathTooLong is reported when a relative path or one of its
	// components exceeds the configured limits.
	ErrPathTooLong = errors.New("path too long")
	// ErrNotDirectory is reported when the scan root is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// Error is a ScanError: the walk could not complete and no plan may be
// built from a partial result.
type Error struct {
	Path string // relative to the root; "." for the root itself
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ScannerConfig controls scanner behavior.
type ScannerConfig struct {
	Root             string
	MaxPathLen       int
	MaxNameLen       int
	FollowSymlinks   bool
	IncludeEmptyDirs bool

	// Skip, when set, leaves out paths it returns true for. A skipped
	// directory is not descended.
	Skip func(relPath string, isDir bool) bool

	// OnRecord, when set, is called for every emitted record.
	OnRecord func(FileRecord)
	Logger   *slog.Logger
}

// Scanner walks a directory tree and emits FileRecords in a deterministic
// order: depth-first, directory entries sorted by name.
type Scanner struct {
	cfg ScannerConfig
	// ancestors holds the directories on the current descent path.
	ancestors map[DevIno]string
	records   []FileRecord
}

// NewScanner creates a scanner with the given config.
func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.MaxPathLen <= 0 {
		cfg.MaxPathLen = DefaultMaxPathLen
	}
	if cfg.MaxNameLen <= 0 {
		cfg.MaxNameLen = DefaultMaxNameLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scanner{
		cfg:       cfg,
		ancestors: make(map[DevIno]string),
	}
}

// Scan walks the tree and returns every record. Any unreadable path,
// over-long path or symlink cycle aborts the scan with an *Error.
func (s *Scanner) Scan(ctx context.Context) ([]FileRecord, error) {
	info, err := os.Stat(s.cfg.Root)
	if err != nil {
		return nil, &Error{Path: ".", Err: err}
	}
	if !info.IsDir() {
		return nil, &Error{Path: ".", Err: ErrNotDirectory}
	}

	s.records = s.records[:0]
	if di, ok := devInoOf(info); ok {
		s.ancestors[di] = "."
	}
	if err := s.walkDir(ctx, s.cfg.Root, ""); err != nil {
		return nil, err
	}
	return s.records, nil
}

func (s *Scanner) walkDir(ctx context.Context, absDir, relDir string) error {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return &Error{Path: relOrRoot(relDir), Err: err}
	}

	before := len(s.records)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		relPath := path.Join(relDir, entry.Name())
		if err := s.checkLength(relPath, entry.Name()); err != nil {
			return err
		}
		if err := s.processEntry(ctx, filepath.Join(absDir, entry.Name()), relPath); err != nil {
			return err
		}
	}

	if relDir != "" && s.cfg.IncludeEmptyDirs && len(s.records) == before {
		info, err := os.Stat(absDir)
		if err != nil {
			return &Error{Path: relDir, Err: err}
		}
		s.emit(FileRecord{Path: relDir, Type: Dir, ModTime: info.ModTime()})
	}
	return nil
}

func (s *Scanner) processEntry(ctx context.Context, absPath, relPath string) error {
	info, err := os.Lstat(absPath)
	if err != nil {
		return &Error{Path: relPath, Err: err}
	}
	mode := info.Mode()
	if s.cfg.Skip != nil && s.cfg.Skip(relPath, mode.IsDir()) {
		s.cfg.Logger.Debug("excluded", "path", relPath)
		return nil
	}

	switch {
	case mode.IsDir():
		return s.descend(ctx, absPath, relPath, info)

	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(absPath)
		if err != nil {
			return &Error{Path: relPath, Err: err}
		}
		if s.cfg.FollowSymlinks {
			resolved, err := os.Stat(absPath)
			switch {
			case err != nil:
				// Dangling links are kept as links.
				s.cfg.Logger.Debug("dangling symlink kept as link", "path", relPath, "target", target)
			case resolved.IsDir():
				return s.descend(ctx, absPath, relPath, resolved)
			case resolved.Mode().IsRegular():
				s.emit(regularRecord(relPath, resolved))
				return nil
			}
		}
		s.emit(FileRecord{
			Path:       relPath,
			Type:       Symlink,
			ModTime:    info.ModTime(),
			LinkTarget: target,
		})
		return nil

	case mode.IsRegular():
		s.emit(regularRecord(relPath, info))
		return nil

	default:
		s.cfg.Logger.Debug("skipping special file", "path", relPath, "mode", mode.String())
		return nil
	}
}

// descend walks into a directory, refusing to re-enter one that is
// already on the current descent path.
func (s *Scanner) descend(ctx context.Context, absPath, relPath string, info os.FileInfo) error {
	di, ok := devInoOf(info)
	if ok {
		if first, seen := s.ancestors[di]; seen {
			return &Error{
				Path: relPath,
				Err:  fmt.Errorf("%w: re-enters %s", ErrSymlinkCycle, first),
			}
		}
		s.ancestors[di] = relPath
		defer delete(s.ancestors, di)
	}
	return s.walkDir(ctx, absPath, relPath)
}

func (s *Scanner) checkLength(relPath, name string) error {
	if len(name) > s.cfg.MaxNameLen {
		return &Error{
			Path: relPath,
			Err:  fmt.Errorf("%w: component is %d bytes (max %d)", ErrPathTooLong, len(name), s.cfg.MaxNameLen),
		}
	}
	if len(relPath) > s.cfg.MaxPathLen {
		return &Error{
			Path: relPath,
			Err:  fmt.Errorf("%w: %d bytes (max %d)", ErrPathTooLong, len(relPath), s.cfg.MaxPathLen),
		}
	}
	return nil
}

func (s *Scanner) emit(rec FileRecord) {
	s.records = append(s.records, rec)
	if s.cfg.OnRecord != nil {
		s.cfg.OnRecord(rec)
	}
}

func regularRecord(relPath string, info os.FileInfo) FileRecord {
	return FileRecord{
		Path:    relPath,
		Type:    File,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Ext:     extOf(relPath),
	}
}

func relOrRoot(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
