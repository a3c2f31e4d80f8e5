// Package sqlite implements the ledger and discovery cache on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

const schema = `
CREATE TABLE IF NOT EXISTS manifest (
	url TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	source_id TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	extension TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	local_path TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS failures (
	url TEXT PRIMARY KEY,
	dest TEXT NOT NULL,
	filename TEXT NOT NULL,
	error TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	source TEXT NOT NULL,
	year INTEGER NOT NULL,
	use_browser INTEGER NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS discovery_cache (
	source_id TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	discovered_at TEXT NOT NULL,
	ttl_ns INTEGER NOT NULL,
	files TEXT NOT NULL,
	PRIMARY KEY (source_id, fiscal_year)
);
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	succeeded INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
);`

// Store persists ledger records and discovery cache entries in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection serializes writers from concurrent download workers.
	db.SetMaxOpenConns(1)
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and migrates it.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate sqlite ledger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

// UpsertManifest writes or replaces the entry for e.URL.
func (s *Store) UpsertManifest(ctx context.Context, e acquire.ManifestEntry) error {
	const query = `INSERT INTO manifest (
		url, filename, source_id, fiscal_year, extension, file_size, content_hash, status, timestamp, local_path
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		filename = excluded.filename,
		source_id = excluded.source_id,
		fiscal_year = excluded.fiscal_year,
		extension = excluded.extension,
		file_size = excluded.file_size,
		content_hash = excluded.content_hash,
		status = excluded.status,
		timestamp = excluded.timestamp,
		local_path = excluded.local_path`
	_, err := s.db.ExecContext(ctx, query,
		e.URL, e.Filename, e.SourceID, e.FiscalYear, e.Extension, e.FileSize, e.ContentHash, e.Status,
		formatTime(e.Timestamp), e.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("upsert manifest %s: %w", e.URL, err)
	}
	return nil
}

const manifestColumns = `url, filename, source_id, fiscal_year, extension, file_size, content_hash, status, timestamp, local_path`

type scanner interface {
	Scan(dest ...any) error
}

func scanManifest(row scanner) (acquire.ManifestEntry, error) {
	var (
		e  acquire.ManifestEntry
		ts string
	)
	if err := row.Scan(&e.URL, &e.Filename, &e.SourceID, &e.FiscalYear, &e.Extension, &e.FileSize,
		&e.ContentHash, &e.Status, &ts, &e.LocalPath); err != nil {
		return acquire.ManifestEntry{}, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return acquire.ManifestEntry{}, err
	}
	e.Timestamp = t
	return e, nil
}

// Manifest returns the entry for url.
func (s *Store) Manifest(ctx context.Context, url string) (acquire.ManifestEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM manifest WHERE url = ?`, url)
	e, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return acquire.ManifestEntry{}, false, nil
	}
	if err != nil {
		return acquire.ManifestEntry{}, false, fmt.Errorf("read manifest %s: %w", url, err)
	}
	return e, true, nil
}

// ListManifest returns every entry ordered by URL.
func (s *Store) ListManifest(ctx context.Context) ([]acquire.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+manifestColumns+` FROM manifest ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []acquire.ManifestEntry
	for rows.Next() {
		e, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutFailure writes or replaces the record for r.URL.
func (s *Store) PutFailure(ctx context.Context, r acquire.FailureRecord) error {
	const query = `INSERT INTO failures (
		url, dest, filename, error, error_kind, source, year, use_browser, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		dest = excluded.dest,
		filename = excluded.filename,
		error = excluded.error,
		error_kind = excluded.error_kind,
		source = excluded.source,
		year = excluded.year,
		use_browser = excluded.use_browser,
		timestamp = excluded.timestamp`
	_, err := s.db.ExecContext(ctx, query,
		r.URL, r.Dest, r.Filename, r.Error, string(r.ErrorKind), r.Source, r.Year, r.UseBrowser, formatTime(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("put failure %s: %w", r.URL, err)
	}
	return nil
}

// DeleteFailure removes the record for url.
func (s *Store) DeleteFailure(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM failures WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete failure %s: %w", url, err)
	}
	return nil
}

// ListFailures returns every record ordered by URL.
func (s *Store) ListFailures(ctx context.Context) ([]acquire.FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, dest, filename, error, error_kind, source, year, use_browser, timestamp FROM failures ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []acquire.FailureRecord
	for rows.Next() {
		var (
			r    acquire.FailureRecord
			kind string
			ts   string
		)
		if err := rows.Scan(&r.URL, &r.Dest, &r.Filename, &r.Error, &kind, &r.Source, &r.Year, &r.UseBrowser, &ts); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		r.ErrorKind = acquire.ErrorKind(kind)
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the cached discovery entry for (sourceID, year).
func (s *Store) Get(ctx context.Context, sourceID string, year int) (acquire.DiscoveryCacheEntry, bool, error) {
	var (
		entry acquire.DiscoveryCacheEntry
		ts    string
		ttl   int64
		files string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, fiscal_year, discovered_at, ttl_ns, files FROM discovery_cache WHERE source_id = ? AND fiscal_year = ?`,
		sourceID, year,
	).Scan(&entry.SourceID, &entry.FiscalYear, &ts, &ttl, &files)
	if errors.Is(err, sql.ErrNoRows) {
		return acquire.DiscoveryCacheEntry{}, false, nil
	}
	if err != nil {
		return acquire.DiscoveryCacheEntry{}, false, fmt.Errorf("read discovery cache: %w", err)
	}
	if entry.DiscoveredAt, err = parseTime(ts); err != nil {
		return acquire.DiscoveryCacheEntry{}, false, err
	}
	entry.TTL = time.Duration(ttl)
	if err := json.Unmarshal([]byte(files), &entry.Files); err != nil {
		return acquire.DiscoveryCacheEntry{}, false, fmt.Errorf("decode cached files: %w", err)
	}
	return entry, true, nil
}

// Put replaces the discovery entry for its (source, year).
func (s *Store) Put(ctx context.Context, entry acquire.DiscoveryCacheEntry) error {
	files, err := json.Marshal(entry.Files)
	if err != nil {
		return fmt.Errorf("encode cached files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO discovery_cache (source_id, fiscal_year, discovered_at, ttl_ns, files)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(source_id, fiscal_year) DO UPDATE SET
		discovered_at = excluded.discovered_at,
		ttl_ns = excluded.ttl_ns,
		files = excluded.files`,
		entry.SourceID, entry.FiscalYear, formatTime(entry.DiscoveredAt), int64(entry.TTL), string(files),
	)
	if err != nil {
		return fmt.Errorf("write discovery cache: %w", err)
	}
	return nil
}

// StartRun records the beginning of a harvest run.
func (s *Store) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (run_id, started_at) VALUES (?, ?)
	ON CONFLICT(run_id) DO UPDATE SET started_at = excluded.started_at`, runID.String(), formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stamps the end of a run with its totals.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, succeeded, skipped, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, succeeded = ?, skipped = ?, failed = ? WHERE run_id = ?`,
		formatTime(finishedAt), succeeded, skipped, failed, runID.String())
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: run was never started", runID)
	}
	return nil
}
