package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanPaths(recs []FileRecord) []string {
	paths := make([]string, 0, len(recs))
	for _, r := range recs {
		paths = append(paths, r.Path)
	}
	return paths
}

func TestScanner_DeterministicOrder(t *testing.T) {
	src := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(src, "b", "deep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "z.txt"), []byte("zz"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "one.bin"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b", "deep", "leaf.txt"), []byte("leaf"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b", "mid.txt"), []byte("mid"), 0o644))

	recs, err := NewScanner(ScannerConfig{Root: src}).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a/one.bin",
		"b/deep/leaf.txt",
		"b/mid.txt",
		"z.txt",
	}, scanPaths(recs))

	// A second scan of the same tree yields the same sequence.
	again, err := NewScanner(ScannerConfig{Root: src}).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recs, again)
}

func TestScanner_RecordFields(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "photo.JPG"), []byte("12345"), 0o644))

	recs, err := NewScanner(ScannerConfig{Root: src}).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "photo.JPG", rec.Path)
	assert.Equal(t, File, rec.Type)
	assert.Equal(t, int64(5), rec.Size)
	assert.Equal(t, "JPG", rec.Ext)
	assert.False(t, rec.ModTime.IsZero())
}

func TestScanner_EmptyDirs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty", "nested"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "full"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "full", "f.txt"), []byte("x"), 0o644))

	t.Run("excluded by default", func(t *testing.T) {
		recs, err := NewScanner(ScannerConfig{Root: src}).Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"full/f.txt"}, scanPaths(recs))
	})

	t.Run("included when enabled", func(t *testing.T) {
		recs, err := NewScanner(ScannerConfig{Root: src, IncludeEmptyDirs: true}).Scan(context.Background())
		require.NoError(t, err)

		// Only the innermost empty directory is needed to recreate the tree;
		// its parent produced a record through it.
		assert.Equal(t, []string{"empty/nested", "full/f.txt"}, scanPaths(recs))
		assert.Equal(t, Dir, recs[0].Type)
		assert.Zero(t, recs[0].Size)
	})
}

func TestScanner_SymlinkPreserved(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "target.txt"), []byte("target"), 0o644))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	recs, err := NewScanner(ScannerConfig{Root: src}).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	link := recs[0]
	assert.Equal(t, "link", link.Path)
	assert.Equal(t, Symlink, link.Type)
	assert.Equal(t, "target.txt", link.LinkTarget)
	assert.Zero(t, link.Size)
}

func TestScanner_FollowSymlinks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "data.bin"), []byte("data"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(src, "ext")))
	require.NoError(t, os.Symlink("missing", filepath.Join(src, "dangling")))

	recs, err := NewScanner(ScannerConfig{Root: src, FollowSymlinks: true}).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"dangling", "ext/data.bin"}, scanPaths(recs))
	assert.Equal(t, Symlink, recs[0].Type)
	assert.Equal(t, File, recs[1].Type)
	assert.Equal(t, int64(4), recs[1].Size)
}

func TestScanner_SymlinkCycle(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0o755))
	require.NoError(t, os.Symlink("../..", filepath.Join(src, "a", "b", "loop")))

	t.Run("preserved links never loop", func(t *testing.T) {
		recs, err := NewScanner(ScannerConfig{Root: src}).Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a/b/loop"}, scanPaths(recs))
	})

	t.Run("followed links report a cycle", func(t *testing.T) {
		_, err := NewScanner(ScannerConfig{Root: src, FollowSymlinks: true}).Scan(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSymlinkCycle)

		var scanErr *Error
		require.True(t, errors.As(err, &scanErr))
		assert.Equal(t, "a/b/loop", scanErr.Path)
	})
}

func TestScanner_PathTooLong(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "abcdefgh"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "abcdefgh", "file.txt"), []byte("x"), 0o644))

	_, err := NewScanner(ScannerConfig{Root: src, MaxPathLen: 10}).Scan(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPathTooLong)

	_, err = NewScanner(ScannerConfig{Root: src, MaxNameLen: 4}).Scan(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPathTooLong)
	assert.True(t, strings.Contains(err.Error(), "abcdefgh"))
}

func TestScanner_RootErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewScanner(ScannerConfig{Root: filepath.Join(dir, "nope")}).Scan(context.Background())
	var scanErr *Error
	require.True(t, errors.As(err, &scanErr))
	assert.ErrorIs(t, err, os.ErrNotExist)

	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = NewScanner(ScannerConfig{Root: file}).Scan(context.Background())
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestScanner_EmptyRoot(t *testing.T) {
	recs, err := NewScanner(ScannerConfig{Root: t.TempDir()}).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestScanner_OnRecord(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("aa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b"), []byte("bbb"), 0o644))

	var total int64
	_, err := NewScanner(ScannerConfig{
		Root:     src,
		OnRecord: func(r FileRecord) { total += r.Size },
	}).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestScanner_Cancelled(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScanner(ScannerConfig{Root: src}).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanner_Skip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "cache", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "cache", "x", "blob"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "keep.txt"), []byte("k"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "drop.tmp"), []byte("d"), 0o644))

	var asked []string
	recs, err := NewScanner(ScannerConfig{
		Root: src,
		Skip: func(rel string, isDir bool) bool {
			asked = append(asked, rel)
			return (isDir && rel == "cache") || strings.HasSuffix(rel, ".tmp")
		},
	}).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"keep.txt"}, scanPaths(recs))
	assert.NotContains(t, asked, "cache/x", "excluded directory is not descended")
}
