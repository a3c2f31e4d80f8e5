// Package pipeline wires discovery, deduplication and download into one
// harvest run and reports its summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/api"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/config"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/dedup"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/discovery"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/extract"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/hash/sha256"
	idgen "github.com/JakeFAU/fiscal-docs-harvester/internal/id/uuid"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/integrity"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/ledger"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/policy/backoff"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress/sinks"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/registry"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/scheduler"
	localstorage "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/local"
)

const closeTimeout = 10 * time.Second

// Options are the per-invocation switches from the command line.
type Options struct {
	Years        []string
	Sources      []string
	Types        []string
	List         bool
	Overwrite    bool
	RefreshCache bool
	NoDedup      bool
	Since        time.Time
	// Workers overrides download.direct_workers when positive.
	Workers int
	// Interactive selects the redrawn status line over line-oriented output.
	Interactive bool
	StatusAddr  string
	// Out receives listings; Progress receives the console progress view.
	Out      io.Writer
	Progress io.Writer
}

// Deps are the resources a Pipeline drives. Build fills them from
// configuration; tests supply fakes.
type Deps struct {
	FS        afero.Fs
	Registry  *registry.Registry
	Clock     discovery.Clock
	Direct    acquire.Fetcher
	Browser   acquire.Fetcher
	Store     ledger.Store
	Cache     discovery.CacheStore
	Mirror    acquire.BlobStore
	Publisher acquire.Publisher
	Extractor *extract.Extractor
	Metrics   *prometheus.Registry
}

// Summary totals one run.
type Summary struct {
	RunID             uuid.UUID
	Pairs             int
	DiscoveryFailures int
	Candidates        int
	Duplicates        int
	Succeeded         int
	Skipped           int
	Failed            int
	Outcomes          []acquire.Outcome
}

// ExitCode is 0 when no file ended failed and 1 otherwise.
func (s Summary) ExitCode() int {
	if s.Failed > 0 {
		return 1
	}
	return 0
}

func (s Summary) String() string {
	return fmt.Sprintf("succeeded=%d skipped=%d failed=%d (candidates=%d duplicates=%d discovery_failures=%d)",
		s.Succeeded, s.Skipped, s.Failed, s.Candidates, s.Duplicates, s.DiscoveryFailures)
}

// Pipeline runs harvests against one set of resources.
type Pipeline struct {
	cfg    config.Config
	deps   Deps
	opts   Options
	logger *zap.Logger

	ledger     *ledger.Ledger
	verifier   *integrity.Verifier
	counter    *sinks.CounterSink
	prom       *sinks.PrometheusSink
	promErr    error
	status     *api.Server
	statusOnce sync.Once
	statusErr  error
	ids        *idgen.Generator
	closers    []func() error
}

// New assembles a Pipeline from already constructed resources.
func New(cfg config.Config, deps Deps, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = registry.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = prometheus.NewRegistry()
	}
	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		opts:     opts,
		logger:   logger,
		ledger:   ledger.New(deps.Store, deps.FS, sha256.New(), deps.Clock, logger),
		verifier: integrity.New(deps.FS),
		counter:  sinks.NewCounterSink(),
		ids:      idgen.New(),
	}
	p.prom, p.promErr = sinks.NewPrometheusSink(deps.Metrics)
	if p.promErr != nil {
		logger.Warn("prometheus sink disabled", zap.Error(p.promErr))
	}
	return p
}

// Ledger exposes the run ledger.
func (p *Pipeline) Ledger() *ledger.Ledger { return p.ledger }

// Progress returns the live counters of the current or last run.
func (p *Pipeline) Progress() sinks.Snapshot { return p.counter.Snapshot() }

// Run discovers, deduplicates and filters candidates for the requested years
// and sources, then lists or downloads them.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	now := p.deps.Clock.Now()
	years, err := p.deps.Registry.ParseYears(opts.Years, now)
	if err != nil {
		return Summary{}, invalid(err)
	}
	sources, err := p.deps.Registry.Resolve(opts.Sources)
	if err != nil {
		return Summary{}, invalid(err)
	}
	types := normalizeTypes(opts.Types, p.cfg.Types)
	if err := p.startServices(ctx); err != nil {
		return Summary{}, err
	}

	run := p.beginRun(opts)
	sum := Summary{RunID: run.id}
	pairs := discovery.Pairs(years, sources, now)
	sum.Pairs = len(pairs)
	p.logger.Info("run started",
		zap.String("run_id", run.id.String()),
		zap.Ints("years", years),
		zap.Int("sources", len(sources)),
		zap.Int("pairs", len(pairs)),
		zap.Strings("types", types),
	)

	// Discovery always collects the full configured type set so cache entries
	// serve any later --types; the requested types are applied afterwards.
	discoverTypes, extra := discoveryTypes(p.cfg.Types, types)
	refresh := opts.RefreshCache
	if len(extra) > 0 {
		p.logger.Info("requested types outside the configured set; bypassing discovery cache", zap.Strings("types", extra))
		refresh = true
	}
	coord := discovery.New(discovery.Config{
		Workers:         p.cfg.Discovery.Workers,
		CacheTTL:        p.cfg.Discovery.CacheTTL,
		PolitenessDelay: p.cfg.Discovery.PolitenessDelay,
		Timeout:         p.cfg.Discovery.Timeout,
		Options:         acquire.DiscoverOptions{Extensions: discoverTypes, IgnoredHosts: p.cfg.IgnoredHosts},
	}, p.fetchers(), p.deps.Cache, p.deps.Clock, run.reporter, p.logger)
	res := coord.Discover(ctx, pairs, refresh)
	sum.DiscoveryFailures = len(res.Failures)
	discovery.SortPairs(res.Pairs)
	for _, pr := range res.Pairs {
		p.logger.Info("discovered",
			zap.String("source", pr.SourceID),
			zap.Int("year", pr.Year),
			zap.Int("files", len(pr.Files)),
			zap.Bool("cached", pr.Cached),
			zap.Duration("elapsed", pr.Elapsed),
		)
	}
	for _, f := range res.Failures {
		p.logger.Warn("discovery failed; continuing",
			zap.String("source", f.SourceID), zap.Int("year", f.Year), zap.Error(f.Err))
	}

	files := filterTypes(res.Files, types)
	if p.cfg.Discovery.Dedup && !opts.NoDedup {
		var dropped []dedup.Duplicate
		files, dropped = dedup.Deduplicate(files, true)
		sum.Duplicates = len(dropped)
		for _, d := range dropped {
			p.logger.Debug("duplicate dropped", zap.String("url", d.Dropped.URL), zap.String("kept", d.Winner.URL))
		}
	}
	sum.Candidates = len(files)

	if opts.List {
		if err := p.list(opts.Out, files); err != nil {
			p.logger.Warn("listing write failed", zap.Error(err))
		}
		p.endRun(ctx, run, &sum)
		return sum, nil
	}

	p.download(ctx, run, opts, files, &sum)
	p.endRun(ctx, run, &sum)
	return sum, nil
}

// RetryFailures re-attempts every failure record without running discovery.
// An empty path retries the ledger's own records; otherwise the records are
// read from the failures file at path.
func (p *Pipeline) RetryFailures(ctx context.Context, path string) (Summary, error) {
	var (
		files []acquire.FileDescriptor
		err   error
	)
	if path == "" {
		files, err = p.ledger.FailureDescriptors(ctx)
	} else {
		var records []acquire.FailureRecord
		records, err = localstorage.ReadFailures(p.deps.FS, path)
		files = ledger.Descriptors(records)
	}
	if err != nil {
		return Summary{}, invalid(fmt.Errorf("load failures: %w", err))
	}
	if err := p.startServices(ctx); err != nil {
		return Summary{}, err
	}

	opts := p.opts
	opts.Overwrite = false
	opts.Since = time.Time{}
	run := p.beginRun(opts)
	sum := Summary{RunID: run.id, Candidates: len(files)}
	p.logger.Info("retrying recorded failures", zap.String("run_id", run.id.String()), zap.Int("files", len(files)))
	p.download(ctx, run, opts, files, &sum)
	if path != "" {
		p.pruneFailureFile(path, sum.Outcomes)
	}
	p.endRun(ctx, run, &sum)
	return sum, nil
}

// pruneFailureFile removes records that now succeeded from a failure file
// given on the command line. The ledger clears its own records on success.
func (p *Pipeline) pruneFailureFile(path string, outcomes []acquire.Outcome) {
	var done []string
	for _, o := range outcomes {
		if o.State == acquire.StateSucceeded {
			done = append(done, o.Descriptor.URL)
		}
	}
	removed, err := localstorage.RemoveFailures(p.deps.FS, path, done)
	if err != nil {
		p.logger.Warn("failure file not pruned", zap.String("path", path), zap.Error(err))
		return
	}
	if removed > 0 {
		p.logger.Info("pruned failure file", zap.String("path", path), zap.Int("removed", removed))
	}
}

// Close stops background workers and releases every backend.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	if p.status != nil {
		errs = append(errs, p.status.Shutdown(ctx))
	}
	if p.deps.Extractor != nil {
		p.deps.Extractor.Close()
		st := p.deps.Extractor.Stats()
		p.logger.Info("extraction finished",
			zap.Int64("extracted", st.Extracted), zap.Int64("failed", st.Failed), zap.Int64("dropped", st.Dropped))
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

func (p *Pipeline) startServices(ctx context.Context) error {
	if p.deps.Extractor != nil {
		p.deps.Extractor.Start(ctx)
	}
	if p.opts.StatusAddr == "" {
		return nil
	}
	p.statusOnce.Do(func() {
		srv, err := api.NewServer(api.Options{
			Progress:   p.counter,
			Failures:   p.deps.Store,
			Gatherer:   p.deps.Metrics,
			Registerer: p.deps.Metrics,
			Logger:     p.logger,
		})
		if err != nil {
			p.statusErr = err
			return
		}
		if _, err := srv.Start(p.opts.StatusAddr); err != nil {
			p.statusErr = invalid(err)
			return
		}
		p.status = srv
	})
	return p.statusErr
}

func (p *Pipeline) fetchers() map[registry.Strategy]acquire.Fetcher {
	out := map[registry.Strategy]acquire.Fetcher{registry.StrategyDirect: p.deps.Direct}
	if p.deps.Browser != nil {
		out[registry.StrategyBrowser] = p.deps.Browser
	}
	return out
}

type runState struct {
	id       uuid.UUID
	hub      *progress.Hub
	reporter *progress.Reporter
}

func (p *Pipeline) beginRun(opts Options) runState {
	id := p.ids.MustRunID()
	out := []progress.Sink{p.counter, sinks.NewLogSink(p.logger)}
	if p.prom != nil {
		out = append(out, p.prom)
	}
	if opts.Progress != nil {
		out = append(out, sinks.NewConsoleSink(opts.Progress, opts.Interactive))
	}
	if rec, ok := p.deps.Store.(ledger.RunRecorder); ok {
		out = append(out, sinks.NewRunSink(rec, p.logger))
	}
	hub := progress.NewHub(progress.Config{Logger: p.logger}, out...)
	reporter := &progress.Reporter{RunID: id, Emitter: hub, Now: p.deps.Clock.Now}
	reporter.Report(progress.Event{Stage: progress.StageRunStart})
	return runState{id: id, hub: hub, reporter: reporter}
}

func (p *Pipeline) endRun(ctx context.Context, run runState, sum *Summary) {
	run.reporter.Report(progress.Event{
		Stage:     progress.StageRunDone,
		Succeeded: sum.Succeeded,
		Skipped:   sum.Skipped,
		Failed:    sum.Failed,
		Note:      sum.String(),
	})
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := run.hub.Close(closeCtx); err != nil {
		p.logger.Warn("progress flush incomplete", zap.Error(err))
	}
	if dropped := run.hub.Dropped(); dropped > 0 {
		p.logger.Warn("progress events dropped", zap.Int64("count", dropped))
	}
	p.logger.Info("run complete",
		zap.String("run_id", run.id.String()),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("candidates", sum.Candidates),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("discovery_failures", sum.DiscoveryFailures),
	)
}

func (p *Pipeline) download(ctx context.Context, run runState, opts Options, files []acquire.FileDescriptor, sum *Summary) {
	workers := p.cfg.Download.DirectWorkers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	deps := scheduler.Deps{
		FS:        p.deps.FS,
		Direct:    p.deps.Direct,
		Browser:   p.deps.Browser,
		Verifier:  p.verifier,
		Ledger:    p.ledger,
		Mirror:    p.deps.Mirror,
		Publisher: p.deps.Publisher,
		Reporter:  run.reporter,
		Clock:     p.deps.Clock,
	}
	if p.deps.Extractor != nil {
		deps.Extractor = p.deps.Extractor
	}
	sched := scheduler.New(scheduler.Config{
		OutputDir:     p.cfg.Output.Dir,
		DirectWorkers: workers,
		MinValidBytes: p.cfg.Download.MinValidBytes,
		Overwrite:     opts.Overwrite,
		Since:         opts.Since,
		Retry:         backoff.New(p.cfg.Download.Retries, p.cfg.Download.BackoffBase, p.cfg.Download.BackoffMax),
		NotifyTopic:   p.cfg.Notify.TopicName,
	}, deps, p.logger)

	sum.Outcomes = sched.Run(ctx, files)
	for _, o := range sum.Outcomes {
		switch o.State {
		case acquire.StateSucceeded:
			sum.Succeeded++
		case acquire.StateSkipped:
			sum.Skipped++
		case acquire.StateFailed:
			sum.Failed++
		}
	}
}

// list prints candidates grouped by year and source.
func (p *Pipeline) list(out io.Writer, files []acquire.FileDescriptor) error {
	if out == nil {
		return nil
	}
	sorted := append([]acquire.FileDescriptor(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.FiscalYear != b.FiscalYear {
			return a.FiscalYear < b.FiscalYear
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.URL < b.URL
	})
	for _, f := range sorted {
		if _, err := fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", f.FiscalYear, f.SourceID, f.Extension, f.URL); err != nil {
			return err
		}
	}
	return nil
}

// normalizeTypes flattens comma-separated values, lowercases them and drops
// leading dots. An empty request falls back to the configured set.
func normalizeTypes(requested, fallback []string) []string {
	src := requested
	if len(src) == 0 {
		src = fallback
	}
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range src {
		for _, t := range strings.Split(raw, ",") {
			t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), acquire.DefaultExtensions...)
	}
	return out
}

// discoveryTypes is the union of the default and configured extensions plus
// any requested ones. extra lists the requested types the union lacked, which
// a cached discovery cannot have collected.
func discoveryTypes(configured, requested []string) (all, extra []string) {
	all = normalizeTypes(append(append([]string(nil), acquire.DefaultExtensions...), configured...), nil)
	for _, t := range requested {
		if !acquire.HasExtension(t, all) {
			all = append(all, t)
			extra = append(extra, t)
		}
	}
	return all, extra
}

func filterTypes(files []acquire.FileDescriptor, types []string) []acquire.FileDescriptor {
	out := make([]acquire.FileDescriptor, 0, len(files))
	for _, f := range files {
		if acquire.HasExtension(f.Extension, types) {
			out = append(out, f)
		}
	}
	return out
}
