// Package redis shares discovery results between harvester hosts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

const (
	keyPrefix    = "harvester"
	keyDiscovery = "discovery"
	keySeparator = ":"
)

type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// DiscoveryCache stores each (source, year) entry under its own key, expiring
// with the entry TTL.
type DiscoveryCache struct {
	cl client
}

// NewDiscoveryCache connects using a redis:// URL.
func NewDiscoveryCache(rawURL string) (*DiscoveryCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewDiscoveryCacheWithClient(redis.NewClient(opts)), nil
}

// NewDiscoveryCacheWithClient wraps an existing client.
func NewDiscoveryCacheWithClient(cl client) *DiscoveryCache {
	return &DiscoveryCache{cl: cl}
}

func getKey(sourceID string, year int) string {
	return keyPrefix + keySeparator + keyDiscovery + keySeparator + sourceID + keySeparator + strconv.Itoa(year)
}

// Get returns the stored entry; a missing key is a miss.
func (c *DiscoveryCache) Get(ctx context.Context, sourceID string, year int) (acquire.DiscoveryCacheEntry, bool, error) {
	raw, err := c.cl.Get(ctx, getKey(sourceID, year)).Bytes()
	if errors.Is(err, redis.Nil) {
		return acquire.DiscoveryCacheEntry{}, false, nil
	}
	if err != nil {
		return acquire.DiscoveryCacheEntry{}, false, fmt.Errorf("cannot get discovery cache: %w", err)
	}
	var entry acquire.DiscoveryCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is treated as a miss and overwritten on the next Put.
		return acquire.DiscoveryCacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Put replaces the entry for its (source, year).
func (c *DiscoveryCache) Put(ctx context.Context, entry acquire.DiscoveryCacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode discovery cache: %w", err)
	}
	if err := c.cl.Set(ctx, getKey(entry.SourceID, entry.FiscalYear), raw, entry.TTL).Err(); err != nil {
		return fmt.Errorf("cannot set discovery cache: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (c *DiscoveryCache) Close() error {
	return c.cl.Close()
}
