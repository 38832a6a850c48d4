package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/bale/internal/archive"
	"github.com/bamsammich/bale/internal/digest"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/plan"
	"github.com/bamsammich/bale/internal/scan"
	"github.com/bamsammich/bale/internal/stats"
	"github.com/bamsammich/bale/internal/transport"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

const testRunID = "docs-00c0ffee"

// fakeArchiver writes a small file listing the entries instead of a real
// archive.
type fakeArchiver struct {
	mu       sync.Mutex
	calls    int
	err      error
	sizeSkew int64 // added to the reported size
	block    bool  // wait for cancellation
	started  chan struct{}
}

func (a *fakeArchiver) Archive(ctx context.Context, dst string, entries []archive.Entry, progress archive.Progress) (archive.Result, error) {
	a.mu.Lock()
	a.calls++
	err, skew, block := a.err, a.sizeSkew, a.block
	a.mu.Unlock()

	if block {
		if a.started != nil {
			close(a.started)
		}
		<-ctx.Done()
		return archive.Result{}, fmt.Errorf("archive: %w", ctx.Err())
	}
	if err != nil {
		return archive.Result{}, err
	}

	var b strings.Builder
	res := archive.Result{Digests: make(map[string]string)}
	var done int64
	for i, e := range entries {
		fmt.Fprintf(&b, "%s %d\n", e.Name, e.Size)
		res.Digests[e.Name] = fmt.Sprintf("%064x", i+1)
		done += e.Size
		if progress != nil {
			progress(done)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return archive.Result{}, err
	}
	if err := os.WriteFile(dst, []byte(b.String()), 0o600); err != nil {
		return archive.Result{}, err
	}
	res.Size = int64(b.Len()) + skew
	return res, nil
}

func (a *fakeArchiver) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeTransport remembers the digest of everything uploaded.
type fakeTransport struct {
	mu         sync.Mutex
	remote     map[string]string
	uploads    []string
	uploadErrs []error // returned by successive uploads before any succeed
	hashErr    error
	corrupt    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{remote: make(map[string]string)}
}

func (f *fakeTransport) Upload(ctx context.Context, src, dst string, progress transport.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, dst)
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		return err
	}
	sum, n, err := digest.File(ctx, src, nil)
	if err != nil {
		return err
	}
	if f.corrupt && !strings.HasSuffix(dst, ".json") {
		sum = strings.Repeat("0", 64)
	}
	f.remote[dst] = sum
	if progress != nil {
		progress(n)
	}
	return nil
}

func (f *fakeTransport) RemoteDigest(_ context.Context, dst string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashErr != nil {
		return "", f.hashErr
	}
	sum, ok := f.remote[dst]
	if !ok {
		return "", transport.ErrRemoteMissing
	}
	return sum, nil
}

func (f *fakeTransport) archiveUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.uploads {
		if !strings.HasSuffix(u, ".json") {
			n++
		}
	}
	return n
}

func (f *fakeTransport) String() string { return "fake" }
func (f *fakeTransport) Close() error   { return nil }

// fakeJournal collects transitions per part.
type fakeJournal struct {
	mu    sync.Mutex
	parts map[int][]manifest.Transition
}

func (j *fakeJournal) RecordTransition(_ context.Context, _ string, partID int, t manifest.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.parts == nil {
		j.parts = make(map[int][]manifest.Transition)
	}
	j.parts[partID] = append(j.parts[partID], t)
	return nil
}

func (j *fakeJournal) statuses(partID int) []manifest.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []manifest.Status
	for _, t := range j.parts[partID] {
		out = append(out, t.To)
	}
	return out
}

type harness struct {
	store   *manifest.Store
	arch    *fakeArchiver
	tr      *fakeTransport
	journal *fakeJournal
	stats   *stats.Collector
}

// newHarness creates a persisted run with one 100-byte file per part.
func newHarness(t *testing.T, parts int) *harness {
	t.Helper()
	records := make([]scan.FileRecord, parts)
	for i := range records {
		records[i] = scan.FileRecord{Path: fmt.Sprintf("f%02d.txt", i), Size: 100, Type: scan.File, Ext: "txt"}
	}
	res, err := plan.Plan(records, 100)
	require.NoError(t, err)

	store := manifest.NewStore(afero.NewOsFs(), t.TempDir())
	master, ps := manifest.Build(manifest.RunInfo{
		RunID:      testRunID,
		Name:       "docs",
		SourceRoot: "/src/docs",
		ArchiveDir: store.ArchiveDir(testRunID),
		ArchiveExt: ".tar.gz",
	}, res, t0)
	require.NoError(t, store.Create(master, ps))

	return &harness{
		store:   store,
		arch:    &fakeArchiver{},
		tr:      newFakeTransport(),
		journal: &fakeJournal{},
		stats:   stats.NewCollector(),
	}
}

func toNAS(context.Context, *manifest.PartManifest) (string, bool, error) {
	return "nas:/srv/docs", true, nil
}

func (h *harness) driver(mods ...func(*Config)) *Driver {
	cfg := Config{
		Store:           h.store,
		Journal:         h.journal,
		Archiver:        h.arch,
		Transport:       h.tr,
		Endpoint:        transport.Location{Host: "nas"},
		Destination:     toNAS,
		Stats:           h.stats,
		Workers:         2,
		TransferRetries: 2,
		RetryBackoff:    time.Millisecond,
	}
	for _, m := range mods {
		m(&cfg)
	}
	return New(cfg)
}

func (h *harness) part(t *testing.T, id int) *manifest.PartManifest {
	t.Helper()
	p, err := h.store.LoadPart(testRunID, id)
	require.NoError(t, err)
	return p
}
