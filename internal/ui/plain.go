package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/bale/internal/event"
	"github.com/bamsammich/bale/internal/stats"
)

// plainPresenter outputs one line per part milestone to stdout,
// and periodic progress to stderr when not a TTY.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats *stats.Collector
}

func (p *plainPresenter) Run(events <-chan Event) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case event.RunStarted:
		fmt.Fprintf(p.w, "run %s  %d parts  %s\n", ev.RunID, ev.Parts, FormatBytes(ev.Total))
	case event.StageCompleted:
		fmt.Fprintf(p.w, "%s  %s  %s\n", PartLabel(ev.Part), ev.Stage, FormatBytes(ev.Size))
	case event.TransferRetry:
		fmt.Fprintf(p.w, "%s  retry %d  %s\n", PartLabel(ev.Part), ev.Attempt, errText(ev.Error))
	case event.PartVerified:
		fmt.Fprintf(p.w, "%s  verified  %s\n", PartLabel(ev.Part), ev.Path)
	case event.PartFailed:
		fmt.Fprintf(p.w, "%s  FAILED %s  %s\n", PartLabel(ev.Part), ev.Stage, errText(ev.Error))
	case event.PartAwaiting:
		fmt.Fprintf(p.w, "%s  awaiting destination\n", PartLabel(ev.Part))
	case event.PlanWarning:
		fmt.Fprintf(p.errW, "warning: %s\n", errText(ev.Error))
	case event.StageStarted, event.StageProgress, event.RunComplete:
		// progress is read from the collector
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BytesTotal <= 0 {
		return
	}
	pct := float64(snap.BytesUploaded) / float64(snap.BytesTotal) * 100
	fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s uploaded %s/%s parts %s eta %s\n",
		pct,
		FormatBytes(snap.BytesUploaded), FormatBytes(snap.BytesTotal),
		FormatCount(snap.PartsVerified), FormatCount(snap.PartsTotal),
		FormatRate(p.stats.RollingSpeed(10)),
		FormatETA(p.stats.ETA()),
	)
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

func errText(err error) string {
	if err == nil {
		return "error"
	}
	return err.Error()
}
