// Package discovery fans (fiscal year, source) discovery calls out to a
// bounded worker pool, consulting the discovery cache first.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/registry"
)

// CacheStore persists one entry per (source, year). Get returns entries
// regardless of age; the coordinator checks liveness.
type CacheStore interface {
	Get(ctx context.Context, sourceID string, year int) (acquire.DiscoveryCacheEntry, bool, error)
	Put(ctx context.Context, entry acquire.DiscoveryCacheEntry) error
}

// Clock supplies time and an interruptible sleep.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) bool
}

// Config tunes the coordinator.
type Config struct {
	Workers         int
	CacheTTL        time.Duration
	PolitenessDelay time.Duration
	// Timeout bounds one discovery call; zero means no extra bound.
	Timeout time.Duration
	Options acquire.DiscoverOptions
}

// Pair is one unit of discovery work.
type Pair struct {
	Year   int
	Source registry.Source
}

// PairResult is the outcome of one pair.
type PairResult struct {
	SourceID string
	Year     int
	Files    []acquire.FileDescriptor
	Cached   bool
	Elapsed  time.Duration
	Err      error
}

// Result collects every pair in the order the pairs were given, so Files
// lists pages in registry order regardless of which call finished first.
type Result struct {
	Pairs    []PairResult
	Files    []acquire.FileDescriptor
	Failures []PairResult
}

// Coordinator runs discovery. Fetchers are selected by source strategy.
type Coordinator struct {
	cfg      Config
	fetchers map[registry.Strategy]acquire.Fetcher
	cache    CacheStore
	clock    Clock
	reporter *progress.Reporter
	logger   *zap.Logger
}

// New builds a Coordinator. cache and reporter may be nil.
func New(
	cfg Config,
	fetchers map[registry.Strategy]acquire.Fetcher,
	cache CacheStore,
	clock Clock,
	reporter *progress.Reporter,
	logger *zap.Logger,
) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		fetchers: fetchers,
		cache:    cache,
		clock:    clock,
		reporter: reporter,
		logger:   logger.Named("discovery"),
	}
}

// Pairs builds the work list, dropping years a source does not publish.
func Pairs(years []int, sources []registry.Source, now time.Time) []Pair {
	var out []Pair
	for _, year := range years {
		for _, src := range sources {
			if src.Covers(year, now) {
				out = append(out, Pair{Year: year, Source: src})
			}
		}
	}
	return out
}

// Discover runs every pair. A failing pair yields no files and is listed in
// Result.Failures; it never stops the others.
func (c *Coordinator) Discover(ctx context.Context, pairs []Pair, refresh bool) Result {
	results := make([]PairResult, len(pairs))
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, p := range pairs {
		g.Go(func() error {
			results[i] = c.discoverPair(ctx, p, refresh)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Pairs: results}
	for _, r := range results {
		if r.Err != nil {
			res.Failures = append(res.Failures, r)
			continue
		}
		res.Files = append(res.Files, r.Files...)
	}
	return res
}

func (c *Coordinator) discoverPair(ctx context.Context, p Pair, refresh bool) PairResult {
	src := p.Source
	out := PairResult{SourceID: src.ID, Year: p.Year}
	log := c.logger.With(zap.String("source", src.ID), zap.Int("year", p.Year))
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	if !refresh {
		if entry, ok := c.cached(ctx, src.ID, p.Year, log); ok {
			out.Files = entry.Files
			out.Cached = true
			log.Debug("discovery cache hit", zap.Int("files", len(out.Files)))
			c.report(progress.Event{Stage: progress.StageDiscoverDone, Source: src.ID, Year: p.Year, Files: len(out.Files), Cached: true})
			return out
		}
	}

	start := c.clock.Now()
	files, err := c.call(ctx, src, p.Year)
	out.Elapsed = c.clock.Now().Sub(start)
	if err != nil {
		var derr *acquire.DiscoveryError
		if !errors.As(err, &derr) && !errors.Is(err, context.Canceled) {
			err = &acquire.DiscoveryError{SourceID: src.ID, FiscalYear: p.Year, Err: err}
		}
		out.Err = err
		log.Warn("discovery failed", zap.Error(err), zap.Int("partial_files_dropped", len(files)), zap.Duration("elapsed", out.Elapsed))
		c.report(progress.Event{Stage: progress.StageDiscoverFailed, Source: src.ID, Year: p.Year, Note: err.Error(), Dur: out.Elapsed})
		c.politeWait(ctx, out.Elapsed)
		return out
	}

	out.Files = files
	log.Info("discovered files", zap.Int("files", len(files)), zap.Duration("elapsed", out.Elapsed))
	c.report(progress.Event{Stage: progress.StageDiscoverDone, Source: src.ID, Year: p.Year, Files: len(files), Dur: out.Elapsed})
	if c.cache != nil {
		entry := acquire.DiscoveryCacheEntry{
			SourceID:     src.ID,
			FiscalYear:   p.Year,
			DiscoveredAt: c.clock.Now().UTC(),
			TTL:          c.cfg.CacheTTL,
			Files:        files,
		}
		if err := c.cache.Put(ctx, entry); err != nil {
			log.Warn("discovery cache write failed", zap.Error(err))
		}
	}
	c.politeWait(ctx, out.Elapsed)
	return out
}

func (c *Coordinator) cached(ctx context.Context, sourceID string, year int, log *zap.Logger) (acquire.DiscoveryCacheEntry, bool) {
	if c.cache == nil {
		return acquire.DiscoveryCacheEntry{}, false
	}
	entry, ok, err := c.cache.Get(ctx, sourceID, year)
	if err != nil {
		log.Warn("discovery cache read failed", zap.Error(err))
		return acquire.DiscoveryCacheEntry{}, false
	}
	if !ok || !entry.Live(c.clock.Now()) {
		return acquire.DiscoveryCacheEntry{}, false
	}
	return entry, true
}

func (c *Coordinator) call(ctx context.Context, src registry.Source, year int) ([]acquire.FileDescriptor, error) {
	fetcher, ok := c.fetchers[src.Strategy]
	if !ok || fetcher == nil {
		return nil, fmt.Errorf("no fetcher for strategy %q: %w", src.Strategy, acquire.ErrBrowserUnavailable)
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	return src.Discover(ctx, fetcher, src, year, c.cfg.Options)
}

// politeWait enforces the minimum spacing between calls on one worker,
// counting the call's own duration toward it.
func (c *Coordinator) politeWait(ctx context.Context, elapsed time.Duration) {
	if remaining := c.cfg.PolitenessDelay - elapsed; remaining > 0 {
		c.clock.Sleep(ctx, remaining)
	}
}

func (c *Coordinator) report(evt progress.Event) {
	c.reporter.Report(evt)
}

// SortPairs orders results by (fiscal year, source id) for display.
func SortPairs(results []PairResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Year != results[j].Year {
			return results[i].Year < results[j].Year
		}
		return results[i].SourceID < results[j].SourceID
	})
}
