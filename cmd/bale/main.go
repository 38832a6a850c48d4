package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bamsammich/bale/internal/config"
	"github.com/bamsammich/bale/internal/journal"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// globals holds the persistent flags and what they resolve to.
type globals struct {
	cfg        config.Config
	logCloser  io.Closer
	fileLog    *slog.Logger // JSON log file only; nil without --log
	stateDir   string
	logFile    string
	verbose    bool
	quiet      bool
	noProgress bool
}

func run() int {
	g := &globals{}
	if err := newRootCmd(g).Execute(); err != nil {
		g.close()
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}
	return exitOK
}

func newRootCmd(g *globals) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bale",
		Short: "Split a directory into size-bounded archives and ship them with end-to-end verification",
		Long: `bale scans a directory, partitions it into parts no larger than a budget,
archives each part, uploads it and verifies the remote copy by SHA-256.
Every step is recorded in manifests so an interrupted run can be resumed.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: g.setup,
		PersistentPostRun: func(*cobra.Command, []string) { g.close() },
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.BoolVar(&g.noProgress, "no-progress", false, "disable the progress display")
	pf.StringVar(&g.logFile, "log", "", "write structured JSON log to FILE (rotated)")
	pf.StringVar(&g.stateDir, "state-dir", "", "directory for manifests, archives and the journal (default: $XDG_STATE_HOME/bale)")

	rootCmd.AddCommand(
		newRunCmd(g),
		newPlanCmd(g),
		newResumeCmd(g),
		newRetryCmd(g),
		newShowCmd(g),
		newListCmd(g),
		newHistoryCmd(g),
		newUnpackCmd(),
		docsCmd,
	)
	return rootCmd
}

// setup loads the config file, resolves the state directory and configures
// logging before any subcommand runs.
func (g *globals) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	g.cfg = cfg

	if !cmd.Flags().Changed("state-dir") {
		g.stateDir = config.DefaultStateDir()
		if cfg.Defaults.StateDir != nil {
			g.stateDir = *cfg.Defaults.StateDir
		}
	}
	if g.stateDir, err = config.ExpandPath(g.stateDir); err != nil {
		return err
	}

	return g.setupLogging()
}

func (g *globals) setupLogging() error {
	logLevel := slog.LevelWarn
	if g.verbose {
		logLevel = slog.LevelDebug
	} else if !g.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})

	var handler slog.Handler = textHandler
	if g.logFile != "" {
		path, err := config.ExpandPath(g.logFile)
		if err != nil {
			return err
		}
		lf, err := ui.LogFile(path)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		g.logCloser = lf
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		g.fileLog = slog.New(jsonHandler)
		handler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func (g *globals) close() {
	if g.logCloser != nil {
		g.logCloser.Close() //nolint:errcheck // best effort on exit
		g.logCloser = nil
	}
}

// openState opens the manifest store and the journal under the state dir.
func (g *globals) openState() (*manifest.Store, *journal.Journal, error) {
	if err := os.MkdirAll(g.stateDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	j, err := journal.Open(filepath.Join(g.stateDir, "journal.db"))
	if err != nil {
		return nil, nil, err
	}
	return manifest.NewStore(afero.NewOsFs(), g.stateDir), j, nil
}

// recordedDestination returns the destination the journal remembers for
// runID, if any.
func recordedDestination(ctx context.Context, j *journal.Journal, runID string) string {
	runs, err := j.Runs(ctx)
	if err != nil {
		slog.Debug("journal lookup failed", "error", err)
		return ""
	}
	for _, r := range runs {
		if r.RunID == runID {
			return r.Destination
		}
	}
	return ""
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
