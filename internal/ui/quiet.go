package ui

import "github.com/bamsammich/bale/internal/stats"

// quietPresenter drains events and prints nothing; the summary is left to the
// exit code.
type quietPresenter struct {
	stats *stats.Collector
}

func (p *quietPresenter) Run(events <-chan Event) error {
	for range events {
		// The pipeline updates the collector directly.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
