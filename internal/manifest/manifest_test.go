package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/bale/internal/plan"
	"github.com/bamsammich/bale/internal/scan"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPlan(t *testing.T) plan.Result {
	t.Helper()
	res, err := plan.Plan([]scan.FileRecord{
		{Path: "a/one.txt", Size: 40, Type: scan.File, Ext: "txt"},
		{Path: "a/two.txt", Size: 50, Type: scan.File, Ext: "txt"},
		{Path: "b/big.iso", Size: 300, Type: scan.File, Ext: "iso"},
		{Path: "c/three.bin", Size: 10, Type: scan.File, Ext: "bin"},
	}, 100)
	require.NoError(t, err)
	return res
}

func testRun(t *testing.T) (*MasterManifest, []*PartManifest) {
	t.Helper()
	return Build(RunInfo{
		RunID:      "photos-0a1b2c3d",
		Name:       "photos",
		SourceRoot: "/data/photos",
		ArchiveDir: "/state/photos-0a1b2c3d/archives",
		ArchiveExt: ".tar.gz",
	}, testPlan(t), t0)
}

// walk advances p along the success path up to and including to.
func walk(t *testing.T, p *PartManifest, to Status) {
	t.Helper()
	at := t0
	for p.Status != to {
		next, ok := p.Status.Next()
		require.True(t, ok)
		at = at.Add(time.Minute)
		require.NoError(t, p.Advance(next, at, ""))
	}
}

func TestBuild(t *testing.T) {
	master, parts := testRun(t)

	require.Len(t, parts, 3)
	require.Len(t, master.Parts, 3)
	assert.Equal(t, int64(400), master.TotalSize)
	assert.Equal(t, 4, master.TotalFiles)
	assert.Equal(t, int64(100), master.Budget)

	assert.Equal(t, "photos-part0001.tar.gz", parts[0].Archive)
	assert.Equal(t, "/state/photos-0a1b2c3d/archives/photos-part0001.tar.gz", parts[0].ArchivePath)
	assert.Equal(t, int64(90), parts[0].TotalSize)
	assert.True(t, parts[1].Oversized)
	assert.True(t, master.Parts[1].Oversized)

	for _, p := range parts {
		assert.Equal(t, Planned, p.Status)
		assert.Empty(t, p.History)
		assert.NotNil(t, p.History, "history encodes as []")
	}
	require.NoError(t, Validate(master, parts))
}

func TestValidate_DetectsInconsistency(t *testing.T) {
	t.Run("missing part", func(t *testing.T) {
		master, parts := testRun(t)
		assert.ErrorIs(t, Validate(master, parts[:2]), ErrInconsistent)
	})
	t.Run("file in two parts", func(t *testing.T) {
		master, parts := testRun(t)
		parts[2].Files = append(parts[2].Files, parts[0].Files[0])
		assert.ErrorIs(t, Validate(master, parts), ErrInconsistent)
	})
	t.Run("size mismatch", func(t *testing.T) {
		master, parts := testRun(t)
		parts[0].TotalSize++
		assert.ErrorIs(t, Validate(master, parts), ErrInconsistent)
	})
	t.Run("foreign part", func(t *testing.T) {
		master, parts := testRun(t)
		parts[1].RunID = "other"
		assert.ErrorIs(t, Validate(master, parts), ErrInconsistent)
	})
}

func TestPartManifest_AdvanceRecordsHistory(t *testing.T) {
	_, parts := testRun(t)
	p := parts[0]

	walk(t, p, Verified)

	require.Len(t, p.History, 8)
	assert.Equal(t, Planned, p.History[0].From)
	assert.Equal(t, Verified, p.History[7].To)
	for i := 1; i < len(p.History); i++ {
		assert.Equal(t, p.History[i-1].To, p.History[i].From, "history is contiguous")
		assert.True(t, p.History[i].At.After(p.History[i-1].At))
	}
	assert.NotNil(t, p.ArchivedAt)
	assert.NotNil(t, p.HashedAt)
	assert.NotNil(t, p.UploadedAt)
	assert.NotNil(t, p.VerifiedAt)
	assert.Equal(t, p.History[7].At, p.UpdatedAt)
}

func TestPartManifest_AdvanceRejectsSkips(t *testing.T) {
	_, parts := testRun(t)
	p := parts[0]

	err := p.Advance(Hashed, t0, "")
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, Planned, p.Status)
	assert.Empty(t, p.History)
}

func TestPartManifest_Fail(t *testing.T) {
	_, parts := testRun(t)
	p := parts[0]

	require.Error(t, p.Fail(Failure{Kind: KindArchive}, t0), "planned is not in progress")

	walk(t, p, Uploading)
	require.NoError(t, p.Fail(Failure{Kind: KindTransfer, Retry: RetryAuto, Message: "reset by peer"}, t0))

	assert.Equal(t, Failed, p.Status)
	require.NotNil(t, p.Failure)
	assert.Equal(t, Uploading, p.Failure.Stage)
	assert.Equal(t, KindTransfer, p.Failure.Kind)
	assert.Equal(t, Failed, p.History[len(p.History)-1].To)
}

func TestPartManifest_ResetForRetry(t *testing.T) {
	_, parts := testRun(t)
	p := parts[0]
	walk(t, p, Verifying)
	p.SHA256 = "aa"
	p.RemoteSHA256 = "bb"
	p.ArchiveSize = 99
	p.Files[0].SHA256 = "cc"
	require.NoError(t, p.Fail(Failure{Kind: KindIntegrity, Retry: RetryOperator}, t0))

	// Integrity failures cannot be retried by re-hashing or re-verifying.
	assert.Error(t, p.ResetForRetry(Verifying, t0))
	assert.Error(t, p.ResetForRetry(Hashing, t0))
	assert.Equal(t, Failed, p.Status)

	require.NoError(t, p.ResetForRetry(Uploading, t0))
	assert.Equal(t, Hashed, p.Status)
	assert.Nil(t, p.Failure)
	assert.Nil(t, p.UploadedAt)
	assert.Nil(t, p.VerifiedAt)
	assert.Empty(t, p.RemoteSHA256)
	assert.Equal(t, "aa", p.SHA256, "hash survives an upload retry")
	assert.NotNil(t, p.HashedAt)

	last := p.History[len(p.History)-1]
	assert.True(t, last.Retry)
	assert.Equal(t, Failed, last.From)
	assert.Equal(t, Hashed, last.To)

	// Retrying from archiving clears everything.
	walk(t, p, Verifying)
	require.NoError(t, p.Fail(Failure{Kind: KindIntegrity}, t0))
	require.NoError(t, p.ResetForRetry(Archiving, t0))
	assert.Equal(t, Planned, p.Status)
	assert.Empty(t, p.SHA256)
	assert.Zero(t, p.ArchiveSize)
	assert.Empty(t, p.Files[0].SHA256)
	assert.Nil(t, p.ArchivedAt)
}

func TestPartManifest_ResetForRetryRequiresFailed(t *testing.T) {
	_, parts := testRun(t)
	p := parts[0]
	walk(t, p, Hashed)
	assert.Error(t, p.ResetForRetry(Hashing, t0))
}

func TestMasterManifest_Apply(t *testing.T) {
	master, parts := testRun(t)
	p := parts[1]
	walk(t, p, Uploading)
	p.Destination = "/remote/disk2"
	p.SHA256 = "abc"
	require.NoError(t, p.Fail(Failure{Kind: KindTransfer, Retry: RetryAuto}, t0.Add(time.Hour)))

	require.NoError(t, master.Apply(p))
	s := master.Part(2)
	require.NotNil(t, s)
	assert.Equal(t, Failed, s.Status)
	assert.Equal(t, "/remote/disk2", s.Destination)
	assert.Equal(t, KindTransfer, s.FailureKind)
	assert.Equal(t, RetryAuto, s.Retry)
	assert.Equal(t, t0.Add(time.Hour), master.UpdatedAt)

	counts := master.Counts()
	assert.Equal(t, 2, counts[Planned])
	assert.Equal(t, 1, counts[Failed])

	p.ID = 42
	assert.Error(t, master.Apply(p))
}
