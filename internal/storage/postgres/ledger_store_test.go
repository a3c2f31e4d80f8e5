package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

func newMockStore(t *testing.T) (*LedgerStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewLedgerStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewLedgerStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLedgerStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewLedgerStoreWithPool(mock, "bad;prefix")
	require.Error(t, err)

	_, err = NewLedgerStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvester_manifest").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvester_failures").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvester_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertManifest(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	now := time.Unix(1760000000, 0).UTC()
	e := acquire.ManifestEntry{
		URL: "https://example.gov/a.pdf", Filename: "a.pdf", SourceID: "comptroller", FiscalYear: 2026,
		Extension: "pdf", FileSize: 4096, ContentHash: "abc", Status: acquire.ManifestStatusVerified,
		Timestamp: now, LocalPath: "/out/a.pdf",
	}
	mock.ExpectExec("INSERT INTO harvester_manifest").
		WithArgs(e.URL, e.Filename, e.SourceID, e.FiscalYear, e.Extension, e.FileSize, e.ContentHash, e.Status, e.Timestamp, e.LocalPath).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertManifest(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManifestLookup(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	now := time.Unix(1760000000, 0).UTC()
	cols := []string{"url", "filename", "source_id", "fiscal_year", "extension", "file_size", "content_hash", "status", "acquired_at", "local_path"}
	mock.ExpectQuery("SELECT url, filename").
		WithArgs("https://example.gov/a.pdf").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"https://example.gov/a.pdf", "a.pdf", "comptroller", 2026, "pdf", int64(4096), "abc", "verified", now, "/out/a.pdf",
		))
	mock.ExpectQuery("SELECT url, filename").
		WithArgs("https://example.gov/missing.pdf").
		WillReturnError(pgx.ErrNoRows)

	got, ok, err := store.Manifest(context.Background(), "https://example.gov/a.pdf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4096), got.FileSize)
	assert.Equal(t, now, got.Timestamp)

	_, ok, err = store.Manifest(context.Background(), "https://example.gov/missing.pdf")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureLifecycle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	now := time.Unix(1760000000, 0).UTC()
	r := acquire.FailureRecord{
		URL: "https://example.gov/b.zip", Dest: "/out/b.zip", Filename: "b.zip", Error: "HTTP 503",
		ErrorKind: acquire.KindNetworkTransient, Source: "tea", Year: 2025, UseBrowser: false, Timestamp: now,
	}
	mock.ExpectExec("INSERT INTO harvester_failures").
		WithArgs(r.URL, r.Dest, r.Filename, r.Error, string(r.ErrorKind), r.Source, r.Year, r.UseBrowser, r.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT url, dest").
		WillReturnRows(pgxmock.NewRows([]string{"url", "dest", "filename", "error", "error_kind", "source", "year", "use_browser", "failed_at"}).
			AddRow(r.URL, r.Dest, r.Filename, r.Error, string(r.ErrorKind), r.Source, r.Year, r.UseBrowser, r.Timestamp))
	mock.ExpectExec("DELETE FROM harvester_failures").
		WithArgs(r.URL).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ctx := context.Background()
	require.NoError(t, store.PutFailure(ctx, r))
	failures, err := store.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, r, failures[0])
	require.NoError(t, store.DeleteFailure(ctx, r.URL))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRecording(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	runID := uuid.New()
	start := time.Unix(1760000000, 0).UTC()
	end := start.Add(time.Minute)
	mock.ExpectExec("INSERT INTO harvester_runs").WithArgs(runID, start).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE harvester_runs").WithArgs(runID, end, 3, 1, 0).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.StartRun(ctx, runID, start))
	require.NoError(t, store.FinishRun(ctx, runID, end, 3, 1, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	boom := errors.New("boom")
	mock.ExpectExec("DELETE FROM harvester_failures").WillReturnError(boom)
	err := store.DeleteFailure(context.Background(), "u")
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
