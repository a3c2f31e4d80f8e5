// Package ledger records the durable outcome of every download: a manifest
// entry on success and a failure record when retries run out.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// Store persists manifest entries and failure records. Implementations must
// tolerate concurrent callers.
type Store interface {
	UpsertManifest(ctx context.Context, e acquire.ManifestEntry) error
	Manifest(ctx context.Context, url string) (acquire.ManifestEntry, bool, error)
	ListManifest(ctx context.Context) ([]acquire.ManifestEntry, error)
	PutFailure(ctx context.Context, r acquire.FailureRecord) error
	DeleteFailure(ctx context.Context, url string) error
	ListFailures(ctx context.Context) ([]acquire.FailureRecord, error)
	Close() error
}

// RunRecorder is implemented by stores that keep a history of runs.
type RunRecorder interface {
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, succeeded, skipped, failed int) error
}

// FileHasher digests a file by streaming it.
type FileHasher interface {
	HashFile(fs afero.Fs, path string) (string, error)
}

// Ledger wraps a Store with the success/failure bookkeeping rules.
type Ledger struct {
	store  Store
	fs     afero.Fs
	hasher FileHasher
	clock  acquire.Clock
	logger *zap.Logger

	// mu keeps the manifest upsert and failure delete for one outcome together.
	mu sync.Mutex
}

// New builds a Ledger.
func New(store Store, fsys afero.Fs, hasher FileHasher, clock acquire.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, fs: fsys, hasher: hasher, clock: clock, logger: logger.Named("ledger")}
}

// Store exposes the underlying store.
func (l *Ledger) Store() Store { return l.store }

// RecordSuccess hashes the verified file at path, upserts its manifest entry
// and clears any earlier failure for the URL.
func (l *Ledger) RecordSuccess(ctx context.Context, desc acquire.FileDescriptor, path string) (acquire.ManifestEntry, error) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return acquire.ManifestEntry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	digest, err := l.hasher.HashFile(l.fs, path)
	if err != nil {
		return acquire.ManifestEntry{}, fmt.Errorf("hash %s: %w", path, err)
	}
	entry := acquire.ManifestEntry{
		URL:         desc.URL,
		Filename:    desc.Filename,
		SourceID:    desc.SourceID,
		FiscalYear:  desc.FiscalYear,
		Extension:   desc.Extension,
		FileSize:    info.Size(),
		ContentHash: digest,
		Status:      acquire.ManifestStatusVerified,
		Timestamp:   l.clock.Now().UTC(),
		LocalPath:   path,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.UpsertManifest(ctx, entry); err != nil {
		return acquire.ManifestEntry{}, fmt.Errorf("record manifest: %w", err)
	}
	if err := l.store.DeleteFailure(ctx, desc.URL); err != nil {
		return entry, fmt.Errorf("clear failure: %w", err)
	}
	return entry, nil
}

// RecordFailure writes a failure record for a Failed outcome.
func (l *Ledger) RecordFailure(ctx context.Context, out acquire.Outcome) error {
	desc := out.Descriptor
	msg := "unknown error"
	if out.Err != nil {
		msg = out.Err.Error()
	}
	kind := out.Kind
	if kind == "" {
		kind = acquire.Classify(out.Err)
	}
	rec := acquire.FailureRecord{
		URL:        desc.URL,
		Dest:       out.LocalPath,
		Filename:   desc.Filename,
		Error:      msg,
		ErrorKind:  kind,
		Source:     desc.SourceID,
		Year:       desc.FiscalYear,
		UseBrowser: desc.RequiresBrowser,
		Timestamp:  l.clock.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.PutFailure(ctx, rec); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	l.logger.Warn("download failed",
		zap.String("url", rec.URL),
		zap.String("source", rec.Source),
		zap.Int("year", rec.Year),
		zap.String("kind", string(rec.ErrorKind)),
		zap.String("error", rec.Error),
	)
	return nil
}

// FailureDescriptors rebuilds descriptors from every stored failure record.
func (l *Ledger) FailureDescriptors(ctx context.Context) ([]acquire.FileDescriptor, error) {
	records, err := l.store.ListFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return Descriptors(records), nil
}

// Descriptors converts failure records into schedulable descriptors.
func Descriptors(records []acquire.FailureRecord) []acquire.FileDescriptor {
	out := make([]acquire.FileDescriptor, 0, len(records))
	for _, r := range records {
		out = append(out, r.Descriptor())
	}
	return out
}

// SkipSince reports whether url already has a manifest entry stamped on or
// after since.
func (l *Ledger) SkipSince(ctx context.Context, url string, since time.Time) (bool, error) {
	if since.IsZero() {
		return false, nil
	}
	e, ok, err := l.store.Manifest(ctx, url)
	if err != nil || !ok {
		return false, err
	}
	return !e.Timestamp.Before(since), nil
}

// Close closes the store.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}
