package ui

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/bamsammich/bale/internal/event"
	"github.com/bamsammich/bale/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiBold  = "\033[1m"
	ansiReset = "\033[0m"
)

// hudPresenter provides a TTY display with a scrolling feed of part
// milestones and a 2-line HUD that redraws in place.
type hudPresenter struct {
	w       io.Writer
	stats   *stats.Collector
	workers int

	hudDrawn     bool
	hudLineCount int
	active       map[int]string // part id -> current stage
	lastHUDDraw  time.Time
}

const (
	sparklineWidth   = 20
	progressBarWidth = 20
	hudMinInterval   = 50 * time.Millisecond
)

func (p *hudPresenter) Run(events <-chan Event) error {
	p.active = make(map[int]string)

	secTicker := time.NewTicker(time.Second)
	defer secTicker.Stop()

	// Redraw ticker for when no events are flowing (e.g., a long upload).
	redrawTicker := time.NewTicker(250 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case event.RunStarted:
		p.feed("%s%s%s  %d parts  %s\n", ansiBold, ev.RunID, ansiReset, ev.Parts, FormatBytes(ev.Total))

	case event.StageStarted:
		p.active[ev.Part] = ev.Stage

	case event.StageCompleted:
		p.feed("%s·  %s  %s  %s%s\n", ansiDim, PartLabel(ev.Part), ev.Stage, FormatBytes(ev.Size), ansiReset)

	case event.TransferRetry:
		p.feed("↻  %s  retry %d  %s\n", PartLabel(ev.Part), ev.Attempt, errText(ev.Error))

	case event.PartVerified:
		delete(p.active, ev.Part)
		p.feed("✓  %s  %s%s%s\n", PartLabel(ev.Part), ansiDim, ev.Path, ansiReset)

	case event.PartFailed:
		delete(p.active, ev.Part)
		p.feed("✗  %s  %s  %s\n", PartLabel(ev.Part), ev.Stage, errText(ev.Error))

	case event.PartAwaiting:
		delete(p.active, ev.Part)
		p.feed("–  %s  %sawaiting destination%s\n", PartLabel(ev.Part), ansiDim, ansiReset)

	case event.PlanWarning:
		p.feed("!  %s\n", errText(ev.Error))

	case event.StageProgress, event.RunComplete:
	}
}

// feed prints a line above the HUD.
func (p *hudPresenter) feed(format string, args ...any) {
	p.clearHUD()
	fmt.Fprintf(p.w, format, args...)
	p.drawHUD()
}

func (p *hudPresenter) maybeDrawHUD() {
	if time.Since(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()
	p.clearHUD()

	var pct float64
	if snap.BytesTotal > 0 {
		pct = float64(snap.BytesUploaded) / float64(snap.BytesTotal)
	}

	// Line 1: upload sparkline + speed + byte totals.
	spark := Sparkline(p.stats.SparklineData(sparklineWidth), sparklineWidth)
	fmt.Fprintf(p.w, "       %s   %s   %s / %s\n",
		spark, FormatRate(p.stats.RollingSpeed(10)),
		FormatBytes(snap.BytesUploaded), FormatBytes(snap.BytesTotal))

	// Line 2: progress bar + parts + active stages + eta.
	fmt.Fprintf(p.w, " %3.0f%%  %s   %s / %s parts   %s   eta %s\n",
		pct*100, ProgressBar(pct, progressBarWidth),
		FormatCount(snap.PartsVerified), FormatCount(snap.PartsTotal),
		StageIndicator(p.activeStages(), p.workers),
		FormatETA(p.stats.ETA()))

	p.hudDrawn = true
	p.hudLineCount = 2
	p.lastHUDDraw = time.Now()
}

// activeStages lists in-flight stages ordered by part id.
func (p *hudPresenter) activeStages() []string {
	ids := make([]int, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = p.active[id]
	}
	return out
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	// Move cursor up N lines and clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", p.hudLineCount)
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
