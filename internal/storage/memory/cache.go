package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// DiscoveryCache keeps discovery results for the life of the process.
type DiscoveryCache struct {
	mu      sync.RWMutex
	entries map[string]acquire.DiscoveryCacheEntry
}

// NewDiscoveryCache creates an empty cache.
func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{entries: make(map[string]acquire.DiscoveryCacheEntry)}
}

func cacheKey(sourceID string, year int) string {
	return fmt.Sprintf("%s/%d", sourceID, year)
}

// Get returns the stored entry regardless of age.
func (c *DiscoveryCache) Get(_ context.Context, sourceID string, year int) (acquire.DiscoveryCacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(sourceID, year)]
	return e, ok, nil
}

// Put replaces the entry for its (source, year).
func (c *DiscoveryCache) Put(_ context.Context, entry acquire.DiscoveryCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(entry.SourceID, entry.FiscalYear)] = entry
	return nil
}
