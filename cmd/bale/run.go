package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/bale/internal/archive"
	"github.com/bamsammich/bale/internal/config"
	"github.com/bamsammich/bale/internal/engine"
	"github.com/bamsammich/bale/internal/event"
	"github.com/bamsammich/bale/internal/filter"
	"github.com/bamsammich/bale/internal/journal"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/pipeline"
	"github.com/bamsammich/bale/internal/stats"
	"github.com/bamsammich/bale/internal/transport"
	"github.com/bamsammich/bale/internal/ui"
)

// Exit codes.
const (
	exitOK       = 0
	exitPartial  = 1
	exitFailed   = 2
	exitAwaiting = 3
)

// transferOpts are the flags shared by run, resume and retry.
type transferOpts struct {
	transport string
	bwlimit   string
	sshKey    string
	sshPort   int
	workers   int
	retries   int
	cleanup   bool
	template  string
	prompt    bool
}

func (o *transferOpts) register(f *pflag.FlagSet) {
	f.IntVar(&o.workers, "workers", defaultWorkers(), "parts processed concurrently")
	f.StringVar(&o.transport, "transport", "sftp", "remote transport: sftp or rsync")
	f.StringVar(&o.bwlimit, "bwlimit", "", "bandwidth limit per second, e.g. 50MB (0 = unlimited)")
	f.StringVar(&o.sshKey, "ssh-key", "", "SSH private key file")
	f.IntVar(&o.sshPort, "ssh-port", 22, "SSH port")
	f.IntVar(&o.retries, "retries", 3, "automatic retries for transient transfer errors")
	f.BoolVar(&o.cleanup, "cleanup", false, "delete local archives once a part is verified")
	f.BoolVar(&o.prompt, "prompt", false, "ask for a destination directory for each part")
	f.StringVar(&o.template, "dest-template", "", "place each part in a directory below DESTINATION, e.g. '{{.Run}}/{{printf \"%04d\" .Part}}'")
}

// applyConfigDefaults applies config file values for flags that were not
// explicitly set on the command line.
func (o *transferOpts) applyConfigDefaults(cmd *cobra.Command, d config.DefaultsConfig) {
	f := cmd.Flags()
	if d.Workers != nil && !f.Changed("workers") {
		o.workers = *d.Workers
	}
	if d.Transport != nil && !f.Changed("transport") {
		o.transport = *d.Transport
	}
	if d.BWLimit != nil && !f.Changed("bwlimit") {
		o.bwlimit = *d.BWLimit
	}
	if d.SSHKey != nil && !f.Changed("ssh-key") {
		o.sshKey = *d.SSHKey
	}
	if d.SSHPort != nil && !f.Changed("ssh-port") {
		o.sshPort = *d.SSHPort
	}
	if d.TransferRetries != nil && !f.Changed("retries") {
		o.retries = *d.TransferRetries
	}
	if d.Cleanup != nil && !f.Changed("cleanup") {
		o.cleanup = *d.Cleanup
	}
}

// filterOpts select source paths to leave out of a new run.
type filterOpts struct {
	include []string
	exclude []string
	from    string
}

func (o *filterOpts) register(f *pflag.FlagSet) {
	f.StringArrayVar(&o.exclude, "exclude", nil, "leave out paths matching PATTERN (repeatable)")
	f.StringArrayVar(&o.include, "include", nil, "keep paths matching PATTERN even if excluded (repeatable)")
	f.StringVar(&o.from, "exclude-from", "", "read filter rules from FILE")
}

// rules orders includes first, then the rule file, then excludes.
func (o *filterOpts) rules() (*filter.Rules, error) {
	r := &filter.Rules{}
	for _, p := range o.include {
		if err := r.Include(p); err != nil {
			return nil, err
		}
	}
	if o.from != "" {
		path, err := config.ExpandPath(o.from)
		if err != nil {
			return nil, err
		}
		if err := r.LoadFile(afero.NewOsFs(), path); err != nil {
			return nil, err
		}
	}
	for _, p := range o.exclude {
		if err := r.Exclude(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func defaultWorkers() int {
	return min(runtime.NumCPU(), 4)
}

func newRunCmd(g *globals) *cobra.Command {
	var (
		opts             transferOpts
		filters          filterOpts
		budget           string
		name             string
		compression      string
		followSymlinks   bool
		includeEmptyDirs bool
	)
	cmd := &cobra.Command{
		Use:   "run SOURCE [DESTINATION]",
		Short: "Plan a directory into parts and transfer them",
		Long: `Scan SOURCE, split it into parts no larger than --budget, then archive,
hash, upload and verify each part. DESTINATION is a local directory or
[user@]host:/path; without it, parts wait for a destination (see --prompt).
Running the same SOURCE again resumes the existing run.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.applyConfigDefaults(cmd, g.cfg.Defaults)
			d := g.cfg.Defaults
			if d.Budget != nil && !cmd.Flags().Changed("budget") {
				budget = *d.Budget
			}
			if d.Compression != nil && !cmd.Flags().Changed("compression") {
				compression = *d.Compression
			}
			if budget == "" {
				return errors.New("a budget is required: pass --budget or set defaults.budget")
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

			dest := ""
			if len(args) > 1 {
				dest = args[1]
			} else if d.Remote != nil {
				dest = *d.Remote
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, j, err := g.openState()
			if err != nil {
				return err
			}
			defer j.Close()

			prep, err := engine.Prepare(ctx, engine.Config{
				Store:            store,
				Journal:          j,
				Filter:           rules,
				Source:           args[0],
				Name:             name,
				Destination:      dest,
				Compression:      comp,
				Budget:           size,
				FollowSymlinks:   followSymlinks,
				IncludeEmptyDirs: includeEmptyDirs,
			})
			if err != nil {
				return err
			}
			if prep.Empty {
				for _, w := range prep.Warnings {
					fmt.Fprintf(os.Stderr, "warning: %s\n", w)
				}
				if !g.quiet {
					fmt.Fprintln(os.Stderr, "nothing to transfer")
				}
				return nil
			}
			return g.drive(ctx, cmd, store, j, prep.RunID, dest, opts, prep.Warnings)
		},
	}
	opts.register(cmd.Flags())
	filters.register(cmd.Flags())
	f := cmd.Flags()
	f.StringVar(&budget, "budget", "", "maximum uncompressed size of one part, e.g. 100GiB")
	f.StringVar(&name, "name", "", "run name (default: source directory name)")
	f.StringVar(&compression, "compression", string(archive.Gzip), "archive compression: gzip or zstd")
	f.BoolVarP(&followSymlinks, "follow-symlinks", "L", false, "follow symbolic links instead of archiving them")
	f.BoolVar(&includeEmptyDirs, "empty-dirs", false, "record empty directories")
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	var opts transferOpts
	cmd := &cobra.Command{
		Use:   "resume RUN [DESTINATION]",
		Short: "Continue an interrupted run",
		Long: `Continue RUN from the status each part was left in. DESTINATION defaults
to the one the run was started with.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.applyConfigDefaults(cmd, g.cfg.Defaults)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, j, err := g.openState()
			if err != nil {
				return err
			}
			defer j.Close()

			dest := ""
			if len(args) > 1 {
				dest = args[1]
			}
			return g.drive(ctx, cmd, store, j, args[0], dest, opts, nil)
		},
	}
	opts.register(cmd.Flags())
	return cmd
}

func newRetryCmd(g *globals) *cobra.Command {
	var (
		opts   transferOpts
		partID int
		from   string
		noRun  bool
	)
	cmd := &cobra.Command{
		Use:   "retry RUN --part N --from STAGE",
		Short: "Reset a failed part to retry a stage",
		Long: `Reset part N of RUN so STAGE runs again, then continue the run.
STAGE is one of archiving, hashing, uploading or verifying. A part whose
archive is gone cannot be retried from hashing; retry it from archiving.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.applyConfigDefaults(cmd, g.cfg.Defaults)
			stage, err := manifest.ParseStage(from)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, j, err := g.openState()
			if err != nil {
				return err
			}
			defer j.Close()

			driver := pipeline.New(pipeline.Config{Store: store, Journal: j})
			if err := driver.Retry(ctx, args[0], partID, stage); err != nil {
				return err
			}
			if !g.quiet {
				fmt.Fprintf(os.Stderr, "%s reset to retry %s\n", ui.PartLabel(partID), stage)
			}
			if noRun {
				return nil
			}
			dest := ""
			if len(args) > 1 {
				dest = args[1]
			}
			return g.drive(ctx, cmd, store, j, args[0], dest, opts, nil)
		},
	}
	opts.register(cmd.Flags())
	f := cmd.Flags()
	f.IntVar(&partID, "part", 0, "part id")
	f.StringVar(&from, "from", "", "stage to retry from")
	f.BoolVar(&noRun, "no-run", false, "only reset the part; do not continue the run")
	_ = cmd.MarkFlagRequired("part")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

// drive runs the pipeline over runID with a presenter attached and maps the
// outcome to an exit code.
func (g *globals) drive(
	ctx context.Context,
	cmd *cobra.Command,
	store *manifest.Store,
	j *journal.Journal,
	runID, dest string,
	opts transferOpts,
	warnings []string,
) error {
	master, parts, err := store.Load(runID)
	if err != nil {
		return err
	}
	if dest == "" {
		dest = recordedDestination(ctx, j, runID)
	}

	var bps int64
	if opts.bwlimit != "" && opts.bwlimit != "0" {
		if bps, err = config.ParseSize(opts.bwlimit); err != nil {
			return fmt.Errorf("--bwlimit: %w", err)
		}
	}

	var root *transport.Location
	if dest != "" {
		loc := transport.ParseLocation(dest)
		root = &loc
	} else {
		root = locationOfParts(master)
	}

	if root != nil {
		if err := checkEndpoint(parts, *root); err != nil {
			return err
		}
	}
	destFn, err := destinationFunc(root, opts)
	if err != nil {
		return err
	}

	var (
		tr       transport.Transport
		endpoint transport.Location
	)
	if root != nil {
		endpoint = *root
		if tr, err = g.transportFor(ctx, *root, opts, bps); err != nil {
			return err
		}
		defer tr.Close()
		if err := j.RecordRun(ctx, journal.Run{
			RunID:       master.RunID,
			Name:        master.Name,
			SourceRoot:  master.SourceRoot,
			Destination: root.String(),
			Budget:      master.Budget,
			TotalSize:   master.TotalSize,
			TotalFiles:  master.TotalFiles,
			Parts:       len(master.Parts),
			CreatedAt:   master.CreatedAt,
			UpdatedAt:   time.Now().UTC(),
		}); err != nil {
			slog.Warn("journal update failed", "error", err)
		}
	}

	collector := stats.NewCollector()
	isTTY := ui.IsTTY(os.Stderr.Fd())
	presenter := ui.NewPresenter(ui.Config{
		Writer:    cmd.OutOrStdout(),
		ErrWriter: os.Stderr,
		Stats:     collector,
		Workers:   opts.workers,
		IsTTY:     isTTY,
		Quiet:     g.quiet,
		// Prompts share stderr with the HUD.
		NoProgress: g.noProgress || opts.prompt,
	})

	events := make(chan event.Event, 256)
	presenterEvents := events
	var logDone chan struct{}
	if g.fileLog != nil {
		presenterEvents, logDone = teeToLog(events, g.fileLog)
	}

	presenterDone := make(chan error, 1)
	go func() {
		presenterDone <- presenter.Run(presenterEvents)
	}()

	for _, w := range warnings {
		events <- event.Event{Type: event.PlanWarning, Timestamp: time.Now(), RunID: runID, Error: errors.New(w)}
	}

	driver := pipeline.New(pipeline.Config{
		Store:           store,
		Journal:         j,
		Archiver:        archive.NewTar(engine.CompressionOf(master)),
		Transport:       tr,
		Endpoint:        endpoint,
		Destination:     destFn,
		Events:          events,
		Stats:           collector,
		Workers:         opts.workers,
		TransferRetries: opts.retries,
		CleanupArchives: opts.cleanup,
	})
	res, runErr := driver.Run(ctx, runID)
	close(events)

	if err := <-presenterDone; err != nil {
		slog.Debug("presenter error", "error", err)
	}
	if logDone != nil {
		<-logDone
	}

	if summary := presenter.Summary(); summary != "" {
		fmt.Fprintln(os.Stderr, summary)
	}
	if len(res.Awaiting) > 0 && !g.quiet {
		fmt.Fprintf(os.Stderr, "%d parts awaiting a destination; resume with: bale resume %s DESTINATION\n",
			len(res.Awaiting), runID)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run stopped", "run", runID, "error", runErr)
	}

	if code := exitCode(res, runErr); code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

// exitCode maps a driver outcome to the process exit status.
func exitCode(res pipeline.Result, err error) int {
	switch {
	case err == nil && res.Complete():
		return exitOK
	case err == nil && len(res.Failed) == 0 && len(res.Pending) == 0 && len(res.Awaiting) > 0:
		return exitAwaiting
	case len(res.Verified) > 0:
		return exitPartial
	default:
		return exitFailed
	}
}

// partPlacement is what a --dest-template sees for each part.
type partPlacement struct {
	Run     string
	Archive string
	Part    int
	Files   int
	Size    int64
}

// destinationFunc picks the remote directory for parts that have none yet:
// the prompt's answer or the rendered template below root, or root itself.
func destinationFunc(root *transport.Location, opts transferOpts) (pipeline.DestinationFunc, error) {
	if root == nil {
		return nil, nil
	}
	below := func(sub string) string {
		if sub == "" {
			return root.String()
		}
		loc := *root
		loc.Path = root.Join(sub)
		return loc.String()
	}

	switch {
	case opts.prompt:
		prompter := ui.NewPrompter(os.Stdin, os.Stderr, root.String())
		return func(_ context.Context, p *manifest.PartManifest) (string, bool, error) {
			answer, ok, err := prompter.Ask(p.ID, p.TotalSize, p.FileCount())
			if err != nil || !ok {
				return "", false, err
			}
			return below(answer), true, nil
		}, nil

	case opts.template != "":
		tmpl, err := template.New("dest").Option("missingkey=error").Parse(opts.template)
		if err != nil {
			return nil, fmt.Errorf("--dest-template: %w", err)
		}
		return func(_ context.Context, p *manifest.PartManifest) (string, bool, error) {
			var b strings.Builder
			if err := tmpl.Execute(&b, partPlacement{
				Run:     p.RunID,
				Archive: p.Archive,
				Part:    p.ID,
				Files:   p.FileCount(),
				Size:    p.TotalSize,
			}); err != nil {
				return "", false, fmt.Errorf("--dest-template for part %d: %w", p.ID, err)
			}
			return below(strings.TrimSpace(b.String())), true, nil
		}, nil

	default:
		return func(context.Context, *manifest.PartManifest) (string, bool, error) {
			return root.String(), true, nil
		}, nil
	}
}

// locationOfParts returns the location of the first part that already has a
// destination.
// checkEndpoint refuses root when an unfinished part is already bound to a
// destination on another host.
func checkEndpoint(parts []*manifest.PartManifest, root transport.Location) error {
	for _, p := range parts {
		if p.Destination == "" || p.Status.Terminal() {
			continue
		}
		if !transport.ParseLocation(p.Destination).SameEndpoint(root) {
			return fmt.Errorf("%s is bound to %s; resume with a destination on that host, not %s",
				ui.PartLabel(p.ID), p.Destination, root)
		}
	}
	return nil
}

func locationOfParts(master *manifest.MasterManifest) *transport.Location {
	for _, p := range master.Parts {
		if p.Destination != "" {
			loc := transport.ParseLocation(p.Destination)
			return &loc
		}
	}
	return nil
}

func (g *globals) transportFor(ctx context.Context, loc transport.Location, opts transferOpts, bps int64) (transport.Transport, error) {
	limiter := transport.NewBWLimiter(bps)
	if !loc.IsRemote() {
		return transport.NewLocal(limiter), nil
	}
	keyFile := ""
	if opts.sshKey != "" {
		var err error
		if keyFile, err = config.ExpandPath(opts.sshKey); err != nil {
			return nil, err
		}
	}

	switch opts.transport {
	case "rsync":
		return transport.NewRsync(loc, transport.RsyncOpts{
			KeyFile: keyFile,
			Port:    opts.sshPort,
			BWLimit: bps,
		})
	case "sftp", "":
		client, err := transport.DialSSH(ctx, loc.Host, loc.User, transport.SSHOpts{
			KeyFile: keyFile,
			Port:    opts.sshPort,
			Timeout: 30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		t, err := transport.NewSFTP(client, limiter)
		if err != nil {
			client.Close()
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want sftp or rsync)", opts.transport)
	}
}

// teeToLog forwards events to the presenter while writing milestones to the
// structured log.
func teeToLog(events <-chan event.Event, log *slog.Logger) (<-chan event.Event, chan struct{}) {
	out := make(chan event.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for ev := range events {
			logEvent(log, ev)
			out <- ev
		}
	}()
	return out, done
}

func logEvent(log *slog.Logger, ev event.Event) {
	if ev.Type == event.StageProgress {
		return
	}
	attrs := []any{"event", ev.Type.String(), "run", ev.RunID}
	if ev.Part > 0 {
		attrs = append(attrs, "part", ev.Part)
	}
	if ev.Stage != "" {
		attrs = append(attrs, "stage", ev.Stage)
	}
	if ev.Path != "" {
		attrs = append(attrs, "path", ev.Path)
	}
	if ev.Size > 0 {
		attrs = append(attrs, "size", ev.Size)
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, "attempt", ev.Attempt)
	}
	if ev.Error != nil {
		attrs = append(attrs, "error", ev.Error)
		log.Warn("event", attrs...)
		return
	}
	log.Info("event", attrs...)
}
