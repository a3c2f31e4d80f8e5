package local

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// LedgerConfig locates the manifest and failure files.
type LedgerConfig struct {
	ManifestPath string
	FailuresPath string
}

// LedgerStore keeps manifest.json and failed_downloads.json. Every write
// rewrites the affected file atomically under a single writer lock.
type LedgerStore struct {
	fs  afero.Fs
	cfg LedgerConfig

	mu       sync.Mutex
	manifest map[string]acquire.ManifestEntry
	failures map[string]acquire.FailureRecord
}

// OpenLedger loads existing ledger files, if any.
func OpenLedger(fsys afero.Fs, cfg LedgerConfig) (*LedgerStore, error) {
	if cfg.ManifestPath == "" || cfg.FailuresPath == "" {
		return nil, fmt.Errorf("manifest and failures paths are required")
	}
	s := &LedgerStore{
		fs:       fsys,
		cfg:      cfg,
		manifest: make(map[string]acquire.ManifestEntry),
		failures: make(map[string]acquire.FailureRecord),
	}
	var entries []acquire.ManifestEntry
	if _, err := readJSON(fsys, cfg.ManifestPath, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		s.manifest[e.URL] = e
	}
	var records []acquire.FailureRecord
	if _, err := readJSON(fsys, cfg.FailuresPath, &records); err != nil {
		return nil, err
	}
	for _, r := range records {
		s.failures[r.URL] = r
	}
	return s, nil
}

// UpsertManifest writes or replaces the entry for e.URL.
func (s *LedgerStore) UpsertManifest(_ context.Context, e acquire.ManifestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.manifest[e.URL]
	s.manifest[e.URL] = e
	if err := writeJSONAtomic(s.fs, s.cfg.ManifestPath, s.sortedManifest()); err != nil {
		if had {
			s.manifest[e.URL] = prev
		} else {
			delete(s.manifest, e.URL)
		}
		return err
	}
	return nil
}

// Manifest returns the entry for url.
func (s *LedgerStore) Manifest(_ context.Context, url string) (acquire.ManifestEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.manifest[url]
	return e, ok, nil
}

// ListManifest returns every entry ordered by URL.
func (s *LedgerStore) ListManifest(context.Context) ([]acquire.ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedManifest(), nil
}

// PutFailure writes or replaces the failure record for r.URL.
func (s *LedgerStore) PutFailure(_ context.Context, r acquire.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.failures[r.URL]
	s.failures[r.URL] = r
	if err := writeJSONAtomic(s.fs, s.cfg.FailuresPath, s.sortedFailures()); err != nil {
		if had {
			s.failures[r.URL] = prev
		} else {
			delete(s.failures, r.URL)
		}
		return err
	}
	return nil
}

// DeleteFailure removes the record for url. Missing records are not an error.
func (s *LedgerStore) DeleteFailure(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.failures[url]
	if !had {
		return nil
	}
	delete(s.failures, url)
	if err := writeJSONAtomic(s.fs, s.cfg.FailuresPath, s.sortedFailures()); err != nil {
		s.failures[url] = prev
		return err
	}
	return nil
}

// ListFailures returns every failure record ordered by URL.
func (s *LedgerStore) ListFailures(context.Context) ([]acquire.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedFailures(), nil
}

// Close is a no-op; every write is already durable.
func (s *LedgerStore) Close() error { return nil }

func (s *LedgerStore) sortedManifest() []acquire.ManifestEntry {
	out := make([]acquire.ManifestEntry, 0, len(s.manifest))
	for _, e := range s.manifest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (s *LedgerStore) sortedFailures() []acquire.FailureRecord {
	out := make([]acquire.FailureRecord, 0, len(s.failures))
	for _, r := range s.failures {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ReadFailures loads a failure file outside any ledger, for retrying a file
// given on the command line. A missing file yields no records.
func ReadFailures(fsys afero.Fs, path string) ([]acquire.FailureRecord, error) {
	var records []acquire.FailureRecord
	if _, err := readJSON(fsys, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RemoveFailures drops the records for urls from the failure file at path and
// rewrites it atomically. It returns how many records were removed; a file
// with nothing to remove is left untouched.
func RemoveFailures(fsys afero.Fs, path string, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	records, err := ReadFailures(fsys, path)
	if err != nil {
		return 0, err
	}
	drop := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		drop[u] = struct{}{}
	}
	kept := make([]acquire.FailureRecord, 0, len(records))
	for _, r := range records {
		if _, ok := drop[r.URL]; !ok {
			kept = append(kept, r)
		}
	}
	removed := len(records) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := writeJSONAtomic(fsys, path, kept); err != nil {
		return 0, err
	}
	return removed, nil
}
