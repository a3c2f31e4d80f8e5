package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/storage/local"
)

func TestDiscoveryCache(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cache := local.NewDiscoveryCache(fs, "/cache")
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "comptroller", 2026)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := acquire.DiscoveryCacheEntry{
		SourceID:     "comptroller",
		FiscalYear:   2026,
		DiscoveredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TTL:          24 * time.Hour,
		Files:        []acquire.FileDescriptor{{URL: "https://example.gov/a.pdf", Extension: "pdf"}},
	}
	require.NoError(t, cache.Put(ctx, entry))

	got, ok, err := cache.Get(ctx, "comptroller", 2026)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	exists, err := afero.Exists(fs, "/cache/comptroller_2026.json")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cache.Put(ctx, acquire.DiscoveryCacheEntry{SourceID: "../evil", FiscalYear: 1}))
	exists, err = afero.Exists(fs, "/cache/_evil_1.json")
	require.NoError(t, err)
	assert.True(t, exists)
}
