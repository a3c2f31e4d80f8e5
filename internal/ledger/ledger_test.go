package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/hash/sha256"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/ledger"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/storage/local"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/storage/memory"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/storage/postgres"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/storage/sqlite"
)

var (
	_ ledger.Store       = (*memory.LedgerStore)(nil)
	_ ledger.Store       = (*local.LedgerStore)(nil)
	_ ledger.Store       = (*sqlite.Store)(nil)
	_ ledger.Store       = (*postgres.LedgerStore)(nil)
	_ ledger.RunRecorder = (*postgres.LedgerStore)(nil)
	_ ledger.RunRecorder = (*sqlite.Store)(nil)
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func desc() acquire.FileDescriptor {
	return acquire.FileDescriptor{
		URL: "https://comptroller.example.gov/fy2026.pdf", Filename: "fy2026.pdf", Extension: "pdf",
		SourceID: "comptroller", FiscalYear: 2026, Category: "document",
	}
}

func TestRecordSuccessClearsFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/out/fy2026.pdf", []byte("%PDF-1.7 content"), 0o644))
	store := memory.NewLedgerStore()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(store, fsys, sha256.New(), fixedClock{now}, nil)

	d := desc()
	require.NoError(t, l.RecordFailure(ctx, acquire.Failed(d, "/out/fy2026.pdf", 4, &acquire.HTTPError{URL: d.URL, Status: 503})))
	failures, err := store.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, acquire.KindNetworkTransient, failures[0].ErrorKind)
	assert.Equal(t, "/out/fy2026.pdf", failures[0].Dest)

	entry, err := l.RecordSuccess(ctx, d, "/out/fy2026.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(len("%PDF-1.7 content")), entry.FileSize)
	assert.Len(t, entry.ContentHash, 64)
	assert.Equal(t, now, entry.Timestamp)

	failures, err = store.ListFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
	got, ok, err := store.Manifest(ctx, d.URL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestFailureDescriptorsRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewLedgerStore()
	l := ledger.New(store, afero.NewMemMapFs(), sha256.New(), fixedClock{time.Now()}, nil)

	d := desc()
	d.RequiresBrowser = true
	require.NoError(t, l.RecordFailure(ctx, acquire.Failed(d, "/out/2026/LBB/document/fy2026.pdf", 1, errors.New("reset"))))

	descs, err := l.FailureDescriptors(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, d.URL, descs[0].URL)
	assert.True(t, descs[0].RequiresBrowser)
	assert.Equal(t, "/out/2026/LBB/document/fy2026.pdf", descs[0].Dest)
	assert.Equal(t, 2026, descs[0].FiscalYear)
}

func TestSkipSince(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewLedgerStore()
	stamp := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertManifest(ctx, acquire.ManifestEntry{URL: "u", Timestamp: stamp}))
	l := ledger.New(store, afero.NewMemMapFs(), sha256.New(), fixedClock{stamp}, nil)

	skip, err := l.SkipSince(ctx, "u", stamp)
	require.NoError(t, err)
	assert.True(t, skip, "on the since date counts")
	skip, err = l.SkipSince(ctx, "u", stamp.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, skip)
	skip, err = l.SkipSince(ctx, "missing", stamp)
	require.NoError(t, err)
	assert.False(t, skip)
	skip, err = l.SkipSince(ctx, "u", time.Time{})
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestRecordSuccessMissingFile(t *testing.T) {
	t.Parallel()

	l := ledger.New(memory.NewLedgerStore(), afero.NewMemMapFs(), sha256.New(), fixedClock{time.Now()}, nil)
	_, err := l.RecordSuccess(context.Background(), desc(), "/nope.pdf")
	require.Error(t, err)
}
