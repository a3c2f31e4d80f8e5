// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/config"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/logging"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/pipeline"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitInvalid = 2
)

// retryDefault is the value --retry-failures takes when given without a path.
const retryDefault = "ledger"

const sinceLayout = "2006-01-02"

// Runner is the part of a pipeline the commands drive. It is satisfied by
// *pipeline.Pipeline and replaced in tests.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
	RetryFailures(ctx context.Context, path string) (pipeline.Summary, error)
	Close(ctx context.Context) error
}

// newRunner is the pipeline factory. It is a variable so tests can swap it.
var newRunner = func(ctx context.Context, cfg config.Config, opts pipeline.Options, logger *zap.Logger) (Runner, error) {
	return pipeline.Build(ctx, cfg, opts, logger)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func invalidArg(err error) error { return &exitError{code: ExitInvalid, err: err} }

type rootFlags struct {
	cfgFile       string
	years         []string
	sources       []string
	types         []string
	output        string
	list          bool
	overwrite     bool
	noGUI         bool
	refreshCache  bool
	retryFailures string
	since         string
	workers       int
	noDedup       bool
	statusAddr    string
}

// options converts parsed flags into pipeline options.
func (f rootFlags) options(stdout, stderr io.Writer) (pipeline.Options, error) {
	opts := pipeline.Options{
		Years:        splitArgs(f.years),
		Sources:      splitArgs(f.sources),
		Types:        splitArgs(f.types),
		List:         f.list,
		Overwrite:    f.overwrite,
		RefreshCache: f.refreshCache,
		NoDedup:      f.noDedup,
		Workers:      f.workers,
		Interactive:  !f.noGUI,
		StatusAddr:   f.statusAddr,
		Out:          stdout,
		Progress:     stderr,
	}
	if f.workers < 0 {
		return opts, fmt.Errorf("--workers must be >= 0, got %d", f.workers)
	}
	if f.since != "" {
		since, err := time.ParseInLocation(sinceLayout, f.since, time.Local)
		if err != nil {
			return opts, fmt.Errorf("--since %q: want YYYY-MM-DD", f.since)
		}
		opts.Since = since
	}
	return opts, nil
}

// splitArgs accepts both repeated flags and space separated values.
func splitArgs(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, strings.Fields(s)...)
	}
	return out
}

// loadConfig reads configuration and builds the logger every command shares.
func loadConfig(path, output string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, invalidArg(err)
	}
	if output != "" {
		cfg.Output.Dir = output
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, invalidArg(err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Acquires published fiscal documents from government portals.",
		Long: `harvester discovers budget, revenue and appropriations documents for the
requested fiscal years and sources, removes duplicates, and downloads them
into <output>/<year>/<source>/<category>/ with resume, retry and integrity
checks. Every outcome is recorded in a ledger so reruns skip finished files.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, f)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.StringVar(&f.output, "output", "", "destination root (overrides output.dir)")

	fl := cmd.Flags()
	fl.StringSliceVar(&f.years, "years", nil, "fiscal years to target, or all (default: current year)")
	fl.StringSliceVar(&f.sources, "sources", nil, "source ids from the registry, or all (default: all)")
	fl.StringSliceVar(&f.types, "types", nil, "restrict to these file extensions")
	fl.BoolVar(&f.list, "list", false, "run discovery only and print candidates")
	fl.BoolVar(&f.overwrite, "overwrite", false, "download even when the destination already exists")
	fl.BoolVar(&f.noGUI, "no-gui", false, "line-oriented progress instead of the interactive status line")
	fl.BoolVar(&f.refreshCache, "refresh-cache", false, "bypass the discovery cache")
	fl.StringVar(&f.retryFailures, "retry-failures", "", "re-attempt recorded failures from the ledger or the given failures file")
	fl.Lookup("retry-failures").NoOptDefVal = retryDefault
	fl.StringVar(&f.since, "since", "", "skip files recorded on or after this date (YYYY-MM-DD)")
	fl.IntVar(&f.workers, "workers", 0, "direct download workers (overrides download.direct_workers)")
	fl.BoolVar(&f.noDedup, "no-dedup", false, "keep duplicate candidates")
	fl.StringVar(&f.statusAddr, "status-addr", "", "serve progress and metrics on this address")

	cmd.AddCommand(newSourcesCmd(), newFailuresCmd(&f))
	return cmd
}

func runHarvest(cmd *cobra.Command, f rootFlags) error {
	opts, err := f.options(cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return invalidArg(err)
	}
	cfg, logger, err := loadConfig(f.cfgFile, f.output)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if opts.StatusAddr == "" {
		opts.StatusAddr = cfg.Status.Addr
	}

	ctx := cmd.Context()
	runner, err := newRunner(ctx, cfg, opts, logger)
	if err != nil {
		return classify(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if cerr := runner.Close(closeCtx); cerr != nil {
			logger.Warn("close pipeline", zap.Error(cerr))
		}
	}()

	var sum pipeline.Summary
	if cmd.Flags().Changed("retry-failures") {
		path := f.retryFailures
		if path == retryDefault {
			path = ""
		}
		sum, err = runner.RetryFailures(ctx, path)
	} else {
		sum, err = runner.Run(ctx, opts)
	}
	if err != nil {
		return classify(err)
	}
	printSummary(cmd.ErrOrStderr(), sum)
	if code := sum.ExitCode(); code != ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, pipeline.ErrInvalidInput) {
		return invalidArg(err)
	}
	return &exitError{code: ExitFailed, err: err}
}

func printSummary(w io.Writer, sum pipeline.Summary) {
	for _, o := range sum.Outcomes {
		if o.Err == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "FAILED %s (%s): %v\n", o.Descriptor.URL, o.Kind, o.Err)
	}
	_, _ = fmt.Fprintln(w, sum.String())
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra flag parsing and unknown commands.
	return ExitInvalid
}

// Execute runs the root command and exits with its status.
func Execute() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		_, _ = fmt.Fprintln(stderr, "error:", err)
	}
	return exitCode(err)
}
