// Package extract expands downloaded zip archives in the background so the
// download pool never waits on decompression.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/queue/memory"
)

// DefaultQueueDepth bounds pending archives when no depth is configured.
const DefaultQueueDepth = 64

// ExtractedDirSuffix is appended to the archive stem to name the target directory.
const ExtractedDirSuffix = "_extracted"

// ErrUnsafePath is returned for archive members that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes extraction directory")

// Stats counts processed archives.
type Stats struct {
	Extracted int64
	Failed    int64
	Dropped   int64
}

// Extractor owns one worker goroutine draining a bounded queue.
type Extractor struct {
	fs     afero.Fs
	queue  *memory.Queue[string]
	logger *zap.Logger

	wg      sync.WaitGroup
	once    sync.Once
	started atomic.Bool

	extracted atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New builds an Extractor; call Start to launch the worker.
func New(fsys afero.Fs, depth int, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Extractor{
		fs:     fsys,
		queue:  memory.NewQueue[string](depth),
		logger: logger.Named("extract"),
	}
}

// Start launches the worker. The worker keeps draining after ctx ends only
// until Close is called.
func (e *Extractor) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(context.WithoutCancel(ctx))
	}()
}

func (e *Extractor) run(ctx context.Context) {
	for {
		path, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		n, err := e.Extract(path)
		if err != nil {
			e.failed.Add(1)
			e.logger.Warn("archive extraction failed", zap.String("path", path), zap.Error(err))
			continue
		}
		e.extracted.Add(1)
		e.logger.Debug("archive extracted", zap.String("path", path), zap.Int("entries", n))
	}
}

// Enqueue hands an archive to the worker without blocking. It reports false
// when the archive was dropped.
func (e *Extractor) Enqueue(path string) bool {
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return false
	}
	if err := e.queue.TryEnqueue(path); err != nil {
		e.dropped.Add(1)
		e.logger.Warn("extraction queue rejected archive", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// Close stops accepting archives and waits for queued ones to finish.
func (e *Extractor) Close() {
	e.once.Do(func() {
		e.queue.Close()
		e.wg.Wait()
	})
}

// Stats returns a snapshot of the counters.
func (e *Extractor) Stats() Stats {
	return Stats{Extracted: e.extracted.Load(), Failed: e.failed.Load(), Dropped: e.dropped.Load()}
}

// TargetDir returns the directory an archive expands into.
func TargetDir(archive string) string {
	stem := strings.TrimSuffix(filepath.Base(archive), filepath.Ext(archive))
	return filepath.Join(filepath.Dir(archive), stem+ExtractedDirSuffix)
}

// Extract expands archive synchronously and returns the number of files written.
func (e *Extractor) Extract(archive string) (int, error) {
	f, err := e.fs.Open(archive)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return 0, fmt.Errorf("read archive: %w", err)
	}

	dest := TargetDir(archive)
	if err := e.fs.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	written := 0
	for _, member := range zr.File {
		target, err := safeJoin(dest, member.Name)
		if err != nil {
			return written, err
		}
		if member.FileInfo().IsDir() {
			if err := e.fs.MkdirAll(target, 0o755); err != nil {
				return written, fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := e.writeMember(member, target); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (e *Extractor) writeMember(member *zip.File, target string) error {
	if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", member.Name, err)
	}
	defer rc.Close()
	out, err := e.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

func safeJoin(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
