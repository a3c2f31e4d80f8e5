package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// LedgerStore keeps manifest entries and failure records in maps.
type LedgerStore struct {
	mu       sync.RWMutex
	manifest map[string]acquire.ManifestEntry
	failures map[string]acquire.FailureRecord
	writes   int
}

// NewLedgerStore creates an empty ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		manifest: make(map[string]acquire.ManifestEntry),
		failures: make(map[string]acquire.FailureRecord),
	}
}

// UpsertManifest writes or replaces the entry for e.URL.
func (s *LedgerStore) UpsertManifest(_ context.Context, e acquire.ManifestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest[e.URL] = e
	s.writes++
	return nil
}

// Manifest returns the entry for url.
func (s *LedgerStore) Manifest(_ context.Context, url string) (acquire.ManifestEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.manifest[url]
	return e, ok, nil
}

// ListManifest returns every entry ordered by URL.
func (s *LedgerStore) ListManifest(context.Context) ([]acquire.ManifestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]acquire.ManifestEntry, 0, len(s.manifest))
	for _, e := range s.manifest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// PutFailure writes or replaces the record for r.URL.
func (s *LedgerStore) PutFailure(_ context.Context, r acquire.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[r.URL] = r
	s.writes++
	return nil
}

// DeleteFailure removes the record for url.
func (s *LedgerStore) DeleteFailure(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[url]; ok {
		delete(s.failures, url)
		s.writes++
	}
	return nil
}

// ListFailures returns every record ordered by URL.
func (s *LedgerStore) ListFailures(context.Context) ([]acquire.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]acquire.FailureRecord, 0, len(s.failures))
	for _, r := range s.failures {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// Writes counts mutations, letting tests assert a run wrote nothing.
func (s *LedgerStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Close is a no-op.
func (s *LedgerStore) Close() error { return nil }
