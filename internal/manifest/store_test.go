package manifest

import (
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewStore(fs, "/state"), fs
}

func TestStore_CreateAndLoad(t *testing.T) {
	s, fs := newTestStore(t)
	master, parts := testRun(t)

	require.NoError(t, s.Create(master, parts))

	ok, err := afero.Exists(fs, "/state/photos-0a1b2c3d/parts/part-0003.json")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = afero.DirExists(fs, s.ArchiveDir(master.RunID))
	require.NoError(t, err)
	assert.True(t, ok)

	gotMaster, gotParts, err := s.Load(master.RunID)
	require.NoError(t, err)
	assert.Equal(t, master.RunID, gotMaster.RunID)
	assert.Equal(t, master.TotalSize, gotMaster.TotalSize)
	require.Len(t, gotParts, 3)
	assert.Equal(t, parts[0].Files, gotParts[0].Files)
	assert.True(t, gotMaster.CreatedAt.Equal(master.CreatedAt))
}

func TestStore_CreateRefusesExistingRun(t *testing.T) {
	s, _ := newTestStore(t)
	master, parts := testRun(t)

	require.NoError(t, s.Create(master, parts))
	assert.ErrorIs(t, s.Create(master, parts), ErrRunExists)
}

func TestStore_LoadMissingRun(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.Load("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_LoadDetectsMissingPart(t *testing.T) {
	s, fs := newTestStore(t)
	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))

	require.NoError(t, fs.Remove(s.PartPath(master.RunID, 2)))

	_, _, err := s.Load(master.RunID)
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestStore_SavePartUpdatesMaster(t *testing.T) {
	s, _ := newTestStore(t)
	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))

	p := parts[0]
	walk(t, p, Hashed)
	p.SHA256 = "deadbeef"
	require.NoError(t, s.SavePart(p))

	got, err := s.LoadPart(master.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, Hashed, got.Status)
	assert.Len(t, got.History, 4)

	m, err := s.LoadMaster(master.RunID)
	require.NoError(t, err)
	assert.Equal(t, Hashed, m.Part(1).Status)
	assert.Equal(t, "deadbeef", m.Part(1).SHA256)
	assert.Equal(t, Planned, m.Part(2).Status)
}

func TestStore_ReconcileRepairsStaleMaster(t *testing.T) {
	s, _ := newTestStore(t)
	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))

	// The part document landed but the master write after it did not.
	p := parts[1]
	walk(t, p, Archived)
	require.NoError(t, s.WritePartCopy(p, s.PartPath(master.RunID, p.ID)))
	m, err := s.LoadMaster(master.RunID)
	require.NoError(t, err)
	require.Equal(t, Planned, m.Part(2).Status)

	_, loaded, err := s.Load(master.RunID)
	require.NoError(t, err)
	got, err := s.Reconcile(master.RunID, loaded)
	require.NoError(t, err)
	assert.Equal(t, Archived, got.Part(2).Status)

	m, err = s.LoadMaster(master.RunID)
	require.NoError(t, err)
	assert.Equal(t, Archived, m.Part(2).Status)
	assert.Equal(t, Planned, m.Part(1).Status)

	_, err = s.Reconcile("nope", loaded)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_ConcurrentSavePart(t *testing.T) {
	s, _ := newTestStore(t)
	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))

	var wg sync.WaitGroup
	for _, p := range parts {
		wg.Go(func() {
			walk(t, p, Archived)
			assert.NoError(t, s.SavePart(p))
		})
	}
	wg.Wait()

	m, err := s.LoadMaster(master.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Counts()[Archived], "no master update is lost")
}

func TestStore_NoTempFilesLeftBehind(t *testing.T) {
	s, fs := newTestStore(t)
	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))
	require.NoError(t, s.SavePart(parts[0]))

	var names []string
	require.NoError(t, afero.Walk(fs, "/state", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			names = append(names, info.Name())
		}
		return err
	}))
	for _, n := range names {
		assert.NotContains(t, n, ".tmp")
	}
	assert.Len(t, names, 4)
}

func TestStore_Runs(t *testing.T) {
	s, fs := newTestStore(t)

	runs, err := s.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)

	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))
	require.NoError(t, fs.MkdirAll("/state/stray", 0o755))

	runs, err = s.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"photos-0a1b2c3d"}, runs)
}

func TestStore_DocumentFormat(t *testing.T) {
	s, fs := newTestStore(t)
	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))

	data, err := afero.ReadFile(fs, s.PartPath(master.RunID, 1))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, 1, doc["part_id"])
	assert.Equal(t, "planned", doc["status"])
	assert.Equal(t, []any{}, doc["history"])
	files, ok := doc["files"].([]any)
	require.True(t, ok)
	first, ok := files[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a/one.txt", first["path"])
	assert.Equal(t, "txt", first["ext"])
}

func TestStore_RejectsUnknownVersion(t *testing.T) {
	s, fs := newTestStore(t)
	master, parts := testRun(t)
	require.NoError(t, s.Create(master, parts))

	require.NoError(t, afero.WriteFile(fs, s.PartPath(master.RunID, 1),
		[]byte(`{"version":9,"run_id":"photos-0a1b2c3d","part_id":1,"status":"planned"}`), 0o644))
	_, err := s.LoadPart(master.RunID, 1)
	assert.ErrorContains(t, err, "unsupported version")
}
