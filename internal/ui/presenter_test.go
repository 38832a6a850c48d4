package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/bale/internal/event"
	"github.com/bamsammich/bale/internal/stats"
)

func feed(evs ...Event) <-chan Event {
	ch := make(chan Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestNewPresenter(t *testing.T) {
	c := stats.NewCollector()
	assert.IsType(t, &quietPresenter{}, NewPresenter(Config{Stats: c, Quiet: true}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{Stats: c}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{Stats: c, IsTTY: true, NoProgress: true}))
	assert.IsType(t, &hudPresenter{}, NewPresenter(Config{Stats: c, IsTTY: true}))
}

func TestPlainPresenterMilestones(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &plainPresenter{w: &out, errW: &errOut, stats: stats.NewCollector()}

	err := p.Run(feed(
		Event{Type: event.RunStarted, RunID: "photos-1a2b3c4d", Parts: 2, Total: 2048},
		Event{Type: event.StageStarted, Part: 1, Stage: "archiving"},
		Event{Type: event.StageCompleted, Part: 1, Stage: "archiving", Size: 1024},
		Event{Type: event.PartVerified, Part: 1, Path: "nas:/srv/photos"},
		Event{Type: event.PartFailed, Part: 2, Stage: "verifying", Error: errors.New("digest mismatch")},
		Event{Type: event.PartAwaiting, Part: 3},
		Event{Type: event.PlanWarning, Error: errors.New("big.iso exceeds budget")},
	))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "photos-1a2b3c4d")
	assert.Equal(t, "part 0001  archiving  1.0 KiB", lines[1])
	assert.Equal(t, "part 0001  verified  nas:/srv/photos", lines[2])
	assert.Contains(t, lines[3], "FAILED verifying  digest mismatch")
	assert.Contains(t, lines[4], "awaiting destination")
	assert.Equal(t, "warning: big.iso exceeds budget\n", errOut.String())
}

func TestPlainPresenterRetry(t *testing.T) {
	var out bytes.Buffer
	p := &plainPresenter{w: &out, errW: &bytes.Buffer{}, stats: stats.NewCollector()}

	require.NoError(t, p.Run(feed(Event{Type: event.TransferRetry, Part: 4, Attempt: 2})))
	assert.Equal(t, "part 0004  retry 2  error\n", out.String())
}

func TestHudPresenterFeed(t *testing.T) {
	var out bytes.Buffer
	c := stats.NewCollector()
	c.SetTotals(2, 4096)
	p := &hudPresenter{w: &out, stats: c, workers: 2}

	require.NoError(t, p.Run(feed(
		Event{Type: event.StageStarted, Part: 1, Stage: "uploading"},
		Event{Type: event.PartVerified, Part: 1, Path: "/mnt/backup"},
	)))

	output := out.String()
	assert.Contains(t, output, "✓  part 0001")
	assert.Contains(t, output, "/mnt/backup")
	assert.Contains(t, output, "parts")
	assert.Empty(t, p.active)
}

func TestHudActiveStagesOrdered(t *testing.T) {
	p := &hudPresenter{active: map[int]string{3: "verifying", 1: "archiving"}}
	assert.Equal(t, []string{"archiving", "verifying"}, p.activeStages())
}

func TestQuietPresenter(t *testing.T) {
	p := &quietPresenter{stats: stats.NewCollector()}
	require.NoError(t, p.Run(feed(Event{Type: event.PartVerified, Part: 1})))
	assert.Empty(t, p.Summary())
}

func TestCompletionSummary(t *testing.T) {
	s := CompletionSummary(stats.Snapshot{PartsTotal: 3, PartsVerified: 3, BytesUploaded: 2048})
	assert.True(t, strings.HasPrefix(s, "done ✓  parts 3/3  size 2.0 KiB"))
	assert.True(t, strings.HasSuffix(s, "failed 0"))

	s = CompletionSummary(stats.Snapshot{PartsTotal: 3, PartsVerified: 1, PartsFailed: 1, PartsAwaiting: 1, Retries: 2})
	assert.Contains(t, s, "done ✗")
	assert.Contains(t, s, "retries 2")
	assert.Contains(t, s, "awaiting 1")
}
