package local

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

var unsafeKey = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// DiscoveryCache stores one JSON file per (source, year) under dir.
type DiscoveryCache struct {
	fs  afero.Fs
	dir string
}

// NewDiscoveryCache builds a cache rooted at dir.
func NewDiscoveryCache(fsys afero.Fs, dir string) *DiscoveryCache {
	return &DiscoveryCache{fs: fsys, dir: dir}
}

func (c *DiscoveryCache) path(sourceID string, year int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%d.json", unsafeKey.ReplaceAllString(sourceID, "_"), year))
}

// Get returns the stored entry regardless of age; callers check Live.
func (c *DiscoveryCache) Get(_ context.Context, sourceID string, year int) (acquire.DiscoveryCacheEntry, bool, error) {
	var entry acquire.DiscoveryCacheEntry
	ok, err := readJSON(c.fs, c.path(sourceID, year), &entry)
	if err != nil || !ok {
		return acquire.DiscoveryCacheEntry{}, false, err
	}
	return entry, true, nil
}

// Put replaces the entry for its (source, year).
func (c *DiscoveryCache) Put(_ context.Context, entry acquire.DiscoveryCacheEntry) error {
	return writeJSONAtomic(c.fs, c.path(entry.SourceID, entry.FiscalYear), entry)
}
