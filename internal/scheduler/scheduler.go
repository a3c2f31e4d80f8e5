// Package scheduler turns discovered files into download outcomes. Direct
// downloads share a bounded worker pool; browser downloads run one at a time
// on their own lane because the browser session is a single stateful resource.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/ledger"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/policy/backoff"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
)

// PartSuffix marks an incomplete download kept on disk for resume.
const PartSuffix = ".part"

// DefaultMinValidBytes is the size below which an existing file is treated as
// not yet downloaded.
const DefaultMinValidBytes = 1024

// Verifier checks a completed file before it is accepted.
type Verifier interface {
	Verify(path, ext string) error
}

// Extractor accepts archives for background expansion.
type Extractor interface {
	Enqueue(path string) bool
}

// Config tunes the scheduler.
type Config struct {
	OutputDir     string
	DirectWorkers int
	MinValidBytes int64
	Overwrite     bool
	// Since skips files whose manifest entry is stamped on or after it.
	Since time.Time
	Retry backoff.Policy
	// NotifyTopic names the topic passed to the publisher.
	NotifyTopic string
}

// Deps are the collaborators a Scheduler drives. Direct, Ledger and Verifier
// are required; the rest are optional.
type Deps struct {
	FS        afero.Fs
	Direct    acquire.Fetcher
	Browser   acquire.Fetcher
	Verifier  Verifier
	Ledger    *ledger.Ledger
	Mirror    acquire.BlobStore
	Publisher acquire.Publisher
	Extractor Extractor
	Reporter  *progress.Reporter
	Clock     acquire.Clock
}

// Scheduler owns the download lanes for one run.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a Scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	if cfg.DirectWorkers <= 0 {
		cfg.DirectWorkers = 1
	}
	if cfg.MinValidBytes <= 0 {
		cfg.MinValidBytes = DefaultMinValidBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, deps: deps, logger: logger.Named("scheduler")}
}

// Destination returns where desc is stored:
// <output>/<fiscal_year>/<source_label>/<category>/<filename>. A descriptor
// rebuilt from a failure record keeps its recorded destination.
func (s *Scheduler) Destination(desc acquire.FileDescriptor) string {
	if desc.Dest != "" {
		return desc.Dest
	}
	label := desc.SourceLabel
	if label == "" {
		label = desc.SourceID
	}
	category := desc.Category
	if category == "" {
		category = acquire.CategoryFor(desc.Extension)
	}
	filename := desc.Filename
	if filename == "" {
		filename = acquire.SanitizeFilename(desc.URL, desc.DisplayName)
	}
	return filepath.Join(s.cfg.OutputDir, fmt.Sprint(desc.FiscalYear), label, category, filename)
}

// Run materializes every descriptor and returns one outcome per descriptor in
// completion order. Each descriptor is owned by exactly one worker.
func (s *Scheduler) Run(ctx context.Context, files []acquire.FileDescriptor) []acquire.Outcome {
	files = s.assignDestinations(ctx, files)
	var direct, browser []acquire.FileDescriptor
	for _, f := range files {
		if f.RequiresBrowser {
			browser = append(browser, f)
		} else {
			direct = append(direct, f)
		}
	}

	outcomes := make(chan acquire.Outcome, len(files))
	var wg sync.WaitGroup
	s.lane(ctx, &wg, direct, s.cfg.DirectWorkers, s.deps.Direct, outcomes)
	s.lane(ctx, &wg, browser, 1, s.deps.Browser, outcomes)
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	out := make([]acquire.Outcome, 0, len(files))
	for o := range outcomes {
		out = append(out, o)
	}
	return out
}

// assignDestinations pins every descriptor to a path that no other URL
// claims, either earlier in files or in the manifest. The first claimant keeps
// the plain name; later ones get a short URL hash before the extension.
func (s *Scheduler) assignDestinations(ctx context.Context, files []acquire.FileDescriptor) []acquire.FileDescriptor {
	owners := make(map[string]string)
	entries, err := s.deps.Ledger.Store().ListManifest(ctx)
	if err != nil {
		s.logger.Warn("manifest listing failed; destination check covers this run only", zap.Error(err))
	}
	for _, e := range entries {
		if e.LocalPath != "" {
			owners[filepath.Clean(e.LocalPath)] = e.URL
		}
	}

	out := make([]acquire.FileDescriptor, len(files))
	for i, f := range files {
		dest := filepath.Clean(s.Destination(f))
		if owner, ok := owners[dest]; ok && owner != f.URL {
			renamed := filepath.Join(filepath.Dir(dest), acquire.DisambiguateFilename(filepath.Base(dest), f.URL))
			s.logger.Info("destination taken by another url; renaming",
				zap.String("url", f.URL),
				zap.String("owner", owner),
				zap.String("path", renamed),
			)
			dest = renamed
		}
		owners[dest] = f.URL
		f.Dest = dest
		out[i] = f
	}
	return out
}

func (s *Scheduler) lane(
	ctx context.Context,
	wg *sync.WaitGroup,
	files []acquire.FileDescriptor,
	workers int,
	fetcher acquire.Fetcher,
	outcomes chan<- acquire.Outcome,
) {
	if len(files) == 0 {
		return
	}
	queue := make(chan acquire.FileDescriptor, len(files))
	for _, f := range files {
		queue <- f
	}
	close(queue)
	workers = min(workers, len(files))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for desc := range queue {
				if ctx.Err() != nil {
					outcomes <- s.skip(desc, acquire.SkipCanceled, s.Destination(desc))
					continue
				}
				outcomes <- s.process(ctx, desc, fetcher)
			}
		}()
	}
}

func (s *Scheduler) process(ctx context.Context, desc acquire.FileDescriptor, fetcher acquire.Fetcher) acquire.Outcome {
	dest := s.Destination(desc)
	log := s.logger.With(zap.String("url", desc.URL), zap.String("source", desc.SourceID), zap.Int("year", desc.FiscalYear))

	if skip, err := s.deps.Ledger.SkipSince(ctx, desc.URL, s.cfg.Since); err != nil {
		log.Warn("since check failed", zap.Error(err))
	} else if skip {
		return s.skip(desc, acquire.SkipSince, dest)
	}
	if !s.cfg.Overwrite && s.present(ctx, desc, dest, log) {
		return s.skip(desc, acquire.SkipAlreadyExists, dest)
	}
	if fetcher == nil {
		err := &acquire.NetworkError{URL: desc.URL, Permanent: true, Err: acquire.ErrBrowserUnavailable}
		return s.fail(ctx, acquire.Failed(desc, dest, 0, err), log, 0)
	}

	start := time.Now()
	s.report(progress.Event{Stage: progress.StageDownloadStart, Source: desc.SourceID, Year: desc.FiscalYear, URL: desc.URL, Total: expected(desc)})
	var lastErr error
	attempt := 0
	for {
		attempt++
		size, err := s.attempt(ctx, desc, dest, fetcher)
		if err == nil {
			return s.succeed(ctx, desc, dest, size, attempt, time.Since(start), log)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !s.cfg.Retry.ShouldRetry(err, attempt) {
			break
		}
		kind := acquire.Classify(err)
		log.Info("retrying download", zap.Int("attempt", attempt), zap.String("kind", string(kind)), zap.Error(err))
		s.report(progress.Event{
			Stage: progress.StageDownloadRetry, Source: desc.SourceID, Year: desc.FiscalYear, URL: desc.URL,
			Attempt: attempt, Kind: string(kind), Note: err.Error(),
		})
		if err := s.cfg.Retry.Sleep(ctx, attempt-1); err != nil {
			lastErr = err
			break
		}
	}
	return s.fail(ctx, acquire.Failed(desc, dest, attempt, lastErr), log, time.Since(start))
}

// present reports whether a plausible copy already sits at dest. A file the
// ledger does not know yet is verified and recorded without a fetch.
func (s *Scheduler) present(ctx context.Context, desc acquire.FileDescriptor, dest string, log *zap.Logger) bool {
	info, err := s.deps.FS.Stat(dest)
	if err != nil || info.IsDir() || info.Size() < s.cfg.MinValidBytes {
		return false
	}
	if _, ok, err := s.deps.Ledger.Store().Manifest(ctx, desc.URL); err == nil && !ok {
		if err := s.deps.Verifier.Verify(dest, desc.Extension); err != nil {
			log.Warn("existing file failed verification; downloading again", zap.String("path", dest), zap.Error(err))
			return false
		}
		if _, err := s.deps.Ledger.RecordSuccess(ctx, desc, dest); err != nil {
			log.Warn("recording existing file failed", zap.Error(err))
		}
	}
	return true
}

func (s *Scheduler) skip(desc acquire.FileDescriptor, reason, dest string) acquire.Outcome {
	s.report(progress.Event{
		Stage: progress.StageDownloadSkipped, Source: desc.SourceID, Year: desc.FiscalYear, URL: desc.URL, Reason: reason,
	})
	return acquire.Skipped(desc, reason, dest)
}

func (s *Scheduler) succeed(
	ctx context.Context,
	desc acquire.FileDescriptor,
	dest string,
	size int64,
	attempts int,
	elapsed time.Duration,
	log *zap.Logger,
) acquire.Outcome {
	entry, err := s.deps.Ledger.RecordSuccess(ctx, desc, dest)
	if err != nil {
		// The file is on disk and verified; the next run records it through
		// the pre-flight check.
		log.Error("ledger write failed", zap.Error(err))
	}
	s.report(progress.Event{
		Stage: progress.StageDownloadDone, Source: desc.SourceID, Year: desc.FiscalYear, URL: desc.URL,
		Bytes: size, Attempt: attempts, Dur: elapsed,
	})
	log.Info("download complete", zap.String("path", dest), zap.Int64("bytes", size), zap.Int("attempts", attempts))
	s.afterSuccess(ctx, desc, dest, entry, log)
	return acquire.Succeeded(desc, dest, size, attempts)
}

func (s *Scheduler) fail(ctx context.Context, out acquire.Outcome, log *zap.Logger, elapsed time.Duration) acquire.Outcome {
	desc := out.Descriptor
	s.report(progress.Event{
		Stage: progress.StageDownloadFailed, Source: desc.SourceID, Year: desc.FiscalYear, URL: desc.URL,
		Attempt: out.Attempts, Kind: string(out.Kind), Note: errString(out.Err), Dur: elapsed,
	})
	if out.Kind == acquire.KindCanceled || ctx.Err() != nil {
		log.Info("download interrupted; partial file kept", zap.Error(out.Err))
		return out
	}
	if err := s.deps.Ledger.RecordFailure(context.WithoutCancel(ctx), out); err != nil {
		log.Error("ledger failure write failed", zap.Error(err))
	}
	return out
}

func (s *Scheduler) report(evt progress.Event) {
	s.deps.Reporter.Report(evt)
}

func expected(desc acquire.FileDescriptor) int64 {
	if desc.ExpectedSize != nil {
		return *desc.ExpectedSize
	}
	return -1
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
