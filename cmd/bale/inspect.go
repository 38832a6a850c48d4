package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bamsammich/bale/internal/archive"
	"github.com/bamsammich/bale/internal/config"
	"github.com/bamsammich/bale/internal/engine"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/plan"
	"github.com/bamsammich/bale/internal/ui"
)

func newPlanCmd(g *globals) *cobra.Command {
	var (
		filters        filterOpts
		budget         string
		name           string
		compression    string
		save           bool
		followSymlinks bool
	)
	cmd := &cobra.Command{
		Use:   "plan SOURCE --budget SIZE",
		Short: "Show how a directory would be split into parts",
		Long: `Scan SOURCE and print the parts it would be split into. Nothing is
archived or transferred. With --save the run is created so a later
"bale resume" picks it up unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if b := g.cfg.Defaults.Budget; b != nil && !cmd.Flags().Changed("budget") {
				budget = *b
			}
			if c := g.cfg.Defaults.Compression; c != nil && !cmd.Flags().Changed("compression") {
				compression = *c
			}
			size, err := config.ParseSize(budget)
			if err != nil {
				return fmt.Errorf("--budget: %w", err)
			}
			comp, err := archive.ParseCompression(compression)
			if err != nil {
				return err
			}
			rules, err := filters.rules()
			if err != nil {
				return err
			}
			ecfg := engine.Config{
				Filter:         rules,
				Source:         args[0],
				Name:           name,
				Compression:    comp,
				Budget:         size,
				FollowSymlinks: followSymlinks,
			}
			out := cmd.OutOrStdout()

			if !save {
				res, err := engine.Scan(cmd.Context(), ecfg)
				if err != nil {
					return err
				}
				printPlan(out, res)
				return nil
			}

			store, j, err := g.openState()
			if err != nil {
				return err
			}
			defer j.Close()
			ecfg.Store, ecfg.Journal = store, j
			prep, err := engine.Prepare(cmd.Context(), ecfg)
			if err != nil {
				return err
			}
			if prep.Empty {
				fmt.Fprintln(out, "nothing to transfer")
				return nil
			}
			for _, w := range prep.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			printMaster(out, prep.Master)
			fmt.Fprintf(out, "\nsaved run %s\n", prep.RunID)
			return nil
		},
	}
	filters.register(cmd.Flags())
	f := cmd.Flags()
	f.StringVar(&budget, "budget", "", "maximum uncompressed size of one part")
	f.StringVar(&name, "name", "", "run name (default: source directory name)")
	f.StringVar(&compression, "compression", string(archive.Gzip), "archive compression: gzip or zstd")
	f.BoolVar(&save, "save", false, "create the run without transferring")
	f.BoolVarP(&followSymlinks, "follow-symlinks", "L", false, "follow symbolic links")
	return cmd
}

func printPlan(w io.Writer, res plan.Result) {
	fmt.Fprintf(w, "%s files  %s  budget %s  %d parts\n",
		humanize.Comma(int64(res.TotalFiles)), humanize.IBytes(uint64(res.TotalSize)),
		humanize.IBytes(uint64(res.Budget)), len(res.Parts))
	for _, p := range res.Parts {
		flag := ""
		if p.Oversized {
			flag = "  oversized"
		}
		fmt.Fprintf(w, "  %s  %10s  %8s files%s\n",
			ui.PartLabel(p.ID), humanize.IBytes(uint64(p.Size)), humanize.Comma(int64(len(p.Files))), flag)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func newShowCmd(g *globals) *cobra.Command {
	var (
		partID  int
		asJSON  bool
		history bool
	)
	cmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Show the manifest of a run or one of its parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, j, err := g.openState()
			if err != nil {
				return err
			}
			defer j.Close()
			out := cmd.OutOrStdout()

			if partID == 0 {
				master, err := store.LoadMaster(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, master)
				}
				printMaster(out, master)
				return nil
			}

			p, err := store.LoadPart(args[0], partID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, p)
			}
			printPart(out, p, history)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&partID, "part", 0, "show one part instead of the run")
	f.BoolVar(&asJSON, "json", false, "print the manifest as JSON")
	f.BoolVar(&history, "history", false, "include the part's status history")
	return cmd
}

func printMaster(w io.Writer, m *manifest.MasterManifest) {
	counts := m.Counts()
	fmt.Fprintf(w, "run      %s\n", m.RunID)
	fmt.Fprintf(w, "source   %s\n", m.SourceRoot)
	fmt.Fprintf(w, "budget   %s\n", humanize.IBytes(uint64(m.Budget)))
	fmt.Fprintf(w, "content  %s files  %s\n", humanize.Comma(int64(m.TotalFiles)), humanize.IBytes(uint64(m.TotalSize)))
	fmt.Fprintf(w, "parts    %d verified / %d total", counts[manifest.Verified], len(m.Parts))
	if n := counts[manifest.Failed]; n > 0 {
		fmt.Fprintf(w, "  %d failed", n)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)
	for _, p := range m.Parts {
		fmt.Fprintf(w, "  %s  %-9s  %10s  %8s files  %s", ui.PartLabel(p.ID), p.Status,
			humanize.IBytes(uint64(p.Size)), humanize.Comma(int64(p.Files)), p.Archive)
		if p.Destination != "" {
			fmt.Fprintf(w, " → %s", p.Destination)
		}
		if p.FailureKind != "" {
			fmt.Fprintf(w, "  [%s, retry: %s]", p.FailureKind, p.Retry)
		}
		fmt.Fprintln(w)
	}
}

func printPart(w io.Writer, p *manifest.PartManifest, history bool) {
	fmt.Fprintf(w, "%s of %s\n", ui.PartLabel(p.ID), p.RunID)
	fmt.Fprintf(w, "status       %s\n", p.Status)
	fmt.Fprintf(w, "archive      %s\n", p.ArchivePath)
	fmt.Fprintf(w, "content      %s files  %s", humanize.Comma(int64(p.FileCount())), humanize.IBytes(uint64(p.TotalSize)))
	if p.Oversized {
		fmt.Fprint(w, "  (oversized)")
	}
	fmt.Fprintln(w)
	if p.ArchiveSize > 0 {
		fmt.Fprintf(w, "archive size %s\n", humanize.IBytes(uint64(p.ArchiveSize)))
	}
	if p.SHA256 != "" {
		fmt.Fprintf(w, "sha256       %s\n", p.SHA256)
	}
	if p.Destination != "" {
		fmt.Fprintf(w, "destination  %s\n", p.Destination)
	}
	if p.RemoteSHA256 != "" {
		fmt.Fprintf(w, "remote       %s\n", p.RemoteSHA256)
	}
	if p.Failure != nil {
		f := p.Failure
		fmt.Fprintf(w, "failure      %s during %s (retry: %s): %s\n", f.Kind, f.Stage, f.Retry, f.Message)
	}
	fmt.Fprintln(w)
	for _, f := range p.Files {
		fmt.Fprintf(w, "  %10s  %s", humanize.IBytes(uint64(f.Size)), f.Path)
		if f.SHA256 != "" {
			fmt.Fprintf(w, "  %s", f.SHA256[:12])
		}
		fmt.Fprintln(w)
	}
	if history {
		fmt.Fprintln(w)
		for _, t := range p.History {
			printTransition(w, p.ID, t)
		}
	}
}

func printTransition(w io.Writer, partID int, t manifest.Transition) {
	fmt.Fprintf(w, "%s  %s  %s → %s", t.At.Local().Format(time.DateTime), ui.PartLabel(partID), t.From, t.To)
	if t.Retry {
		fmt.Fprint(w, "  (retry)")
	}
	if t.Note != "" {
		fmt.Fprintf(w, "  %s", t.Note)
	}
	fmt.Fprintln(w)
}

func newListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, j, err := g.openState()
			if err != nil {
				return err
			}
			defer j.Close()
			runs, err := j.Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			for _, r := range runs {
				progress := "?"
				if m, err := store.LoadMaster(r.RunID); err == nil {
					progress = fmt.Sprintf("%d/%d", m.Counts()[manifest.Verified], len(m.Parts))
				}
				fmt.Fprintf(out, "%-24s  %7s verified  %10s  %s  %s\n",
					r.RunID, progress, humanize.IBytes(uint64(r.TotalSize)),
					humanize.Time(r.UpdatedAt), r.Destination)
			}
			return nil
		},
	}
}

func newHistoryCmd(g *globals) *cobra.Command {
	var partID int
	cmd := &cobra.Command{
		Use:   "history RUN",
		Short: "Show the status transitions recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, j, err := g.openState()
			if err != nil {
				return err
			}
			defer j.Close()
			entries, err := j.History(cmd.Context(), args[0], partID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "no history for %s\n", args[0])
				return nil
			}
			for _, e := range entries {
				printTransition(out, e.PartID, e.Transition)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&partID, "part", 0, "only this part (0 = all)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
