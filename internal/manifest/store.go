package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const masterFile = "master.json"

var (
	// ErrRunExists is returned by Create when the run already has manifests.
	ErrRunExists = errors.New("run already exists")
	// ErrRunNotFound is returned when a run has no master manifest.
	ErrRunNotFound = errors.New("run not found")
)

// Store persists manifests as indented JSON documents:
//
//	<root>/<run-id>/master.json
//	<root>/<run-id>/parts/part-0001.json
//	<root>/<run-id>/archives/
//
// Every write goes to a temp file that is renamed over the target, so a
// reader never sees a half-written document. Part manifests are written
// only by their own worker; master writes are serialized by the store.
type Store struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// NewStore returns a store rooted at root on fs.
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// Root returns the state directory.
func (s *Store) Root() string { return s.root }

// RunDir returns the directory holding a run's documents.
func (s *Store) RunDir(runID string) string { return filepath.Join(s.root, runID) }

// ArchiveDir returns the directory where a run's archives are written.
func (s *Store) ArchiveDir(runID string) string { return filepath.Join(s.RunDir(runID), "archives") }

// PartPath returns the path of a part manifest.
func (s *Store) PartPath(runID string, id int) string {
	return filepath.Join(s.RunDir(runID), "parts", fmt.Sprintf("part-%04d.json", id))
}

func (s *Store) masterPath(runID string) string {
	return filepath.Join(s.RunDir(runID), masterFile)
}

// Exists reports whether runID has a master manifest.
func (s *Store) Exists(runID string) (bool, error) {
	return afero.Exists(s.fs, s.masterPath(runID))
}

// Create persists the initial manifests of a new run. Part manifests are
// written before the master so that a master on disk always references
// existing parts.
func (s *Store) Create(master *MasterManifest, parts []*PartManifest) error {
	if err := Validate(master, parts); err != nil {
		return err
	}
	exists, err := s.Exists(master.RunID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrRunExists, master.RunID)
	}

	for _, dir := range []string{
		filepath.Join(s.RunDir(master.RunID), "parts"),
		s.ArchiveDir(master.RunID),
	} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for _, p := range parts {
		if err := s.writeJSON(s.PartPath(p.RunID, p.ID), p); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.masterPath(master.RunID), master)
}

// LoadMaster reads a run's master manifest.
func (s *Store) LoadMaster(runID string) (*MasterManifest, error) {
	var m MasterManifest
	if err := s.readJSON(s.masterPath(runID), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	if m.Version != Version {
		return nil, fmt.Errorf("master manifest %s: unsupported version %d", runID, m.Version)
	}
	return &m, nil
}

// LoadPart reads one part manifest.
func (s *Store) LoadPart(runID string, id int) (*PartManifest, error) {
	var p PartManifest
	if err := s.readJSON(s.PartPath(runID, id), &p); err != nil {
		return nil, err
	}
	if p.Version != Version {
		return nil, fmt.Errorf("part manifest %s/%d: unsupported version %d", runID, id, p.Version)
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("part manifest %s/%d: unknown status %q", runID, id, p.Status)
	}
	return &p, nil
}

// Load reads a run's master and every part it references, and validates
// that they are consistent.
func (s *Store) Load(runID string) (*MasterManifest, []*PartManifest, error) {
	master, err := s.LoadMaster(runID)
	if err != nil {
		return nil, nil, err
	}
	parts := make([]*PartManifest, 0, len(master.Parts))
	for _, summary := range master.Parts {
		p, err := s.LoadPart(runID, summary.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInconsistent, err)
		}
		parts = append(parts, p)
	}
	if err := Validate(master, parts); err != nil {
		return nil, nil, err
	}
	return master, parts, nil
}

// SavePart persists a part manifest and folds its state into the master.
func (s *Store) SavePart(p *PartManifest) error {
	if err := s.writeJSON(s.PartPath(p.RunID, p.ID), p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	master, err := s.LoadMaster(p.RunID)
	if err != nil {
		return err
	}
	if err := master.Apply(p); err != nil {
		return err
	}
	return s.writeJSON(s.masterPath(p.RunID), master)
}

// Reconcile folds every part into the master and rewrites it when a
// summary was stale, as after a crash between a part write and the master
// write that follows it. It returns the up-to-date master.
func (s *Store) Reconcile(runID string, parts []*PartManifest) (*MasterManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	master, err := s.LoadMaster(runID)
	if err != nil {
		return nil, err
	}
	before := slices.Clone(master.Parts)
	for _, p := range parts {
		if err := master.Apply(p); err != nil {
			return nil, err
		}
	}
	if slices.Equal(before, master.Parts) {
		return master, nil
	}
	return master, s.writeJSON(s.masterPath(runID), master)
}

// Runs lists the run ids that have a master manifest, sorted.
func (s *Store) Runs() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var runs []string
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		if ok, _ := afero.Exists(s.fs, s.masterPath(info.Name())); ok { //nolint:errcheck // unreadable runs are skipped
			runs = append(runs, info.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// WritePartCopy writes a standalone copy of a part manifest to path. The
// copy travels next to the archive on the remote.
func (s *Store) WritePartCopy(p *PartManifest, path string) error {
	return s.writeJSON(path, p)
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.New().String()[:8]))

	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
