package ui

import (
	"fmt"

	"github.com/bamsammich/bale/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  parts 3/3  size 2.1 GiB  avg 64 MiB/s  time 3m 17s  failed 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesUploaded) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.PartsFailed > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  parts %s/%s  size %s  avg %s  time %s",
		icon,
		FormatCount(snap.PartsVerified), FormatCount(snap.PartsTotal),
		FormatBytes(snap.BytesUploaded),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)
	if snap.Retries > 0 {
		base += fmt.Sprintf("  retries %d", snap.Retries)
	}
	if snap.PartsAwaiting > 0 {
		base += fmt.Sprintf("  awaiting %d", snap.PartsAwaiting)
	}
	return base + fmt.Sprintf("  failed %d", snap.PartsFailed)
}
