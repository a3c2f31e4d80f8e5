// Package postgres implements the ledger on Postgres, where the downstream
// parser reads acquired files from.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table prefix.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// LedgerStore persists manifest entries, failure records and run summaries.
type LedgerStore struct {
	pool     pool
	manifest string
	failures string
	runs     string
}

// NewLedgerStore connects to Postgres and ensures the ledger tables exist.
func NewLedgerStore(ctx context.Context, cfg Config) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewLedgerStoreWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(p pool, prefix string) (*LedgerStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "harvester"
	}
	if !validTableName.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &LedgerStore{
		pool:     p,
		manifest: prefix + "_manifest",
		failures: prefix + "_failures",
		runs:     prefix + "_runs",
	}, nil
}

// Migrate creates the ledger tables if they do not exist.
func (s *LedgerStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	source_id TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	extension TEXT NOT NULL,
	file_size BIGINT NOT NULL,
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	local_path TEXT NOT NULL
)`, s.manifest),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	dest TEXT NOT NULL,
	filename TEXT NOT NULL,
	error TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	source TEXT NOT NULL,
	year INTEGER NOT NULL,
	use_browser BOOLEAN NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL
)`, s.failures),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id UUID PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	succeeded INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
)`, s.runs),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertManifest writes or replaces the entry for e.URL.
func (s *LedgerStore) UpsertManifest(ctx context.Context, e acquire.ManifestEntry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	url, filename, source_id, fiscal_year, extension, file_size, content_hash, status, acquired_at, local_path
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (url) DO UPDATE SET
	filename = EXCLUDED.filename,
	source_id = EXCLUDED.source_id,
	fiscal_year = EXCLUDED.fiscal_year,
	extension = EXCLUDED.extension,
	file_size = EXCLUDED.file_size,
	content_hash = EXCLUDED.content_hash,
	status = EXCLUDED.status,
	acquired_at = EXCLUDED.acquired_at,
	local_path = EXCLUDED.local_path`, s.manifest)
	_, err := s.pool.Exec(ctx, query,
		e.URL, e.Filename, e.SourceID, e.FiscalYear, e.Extension, e.FileSize, e.ContentHash, e.Status, e.Timestamp, e.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("upsert manifest: %w", err)
	}
	return nil
}

func (s *LedgerStore) manifestSelect() string {
	return fmt.Sprintf(`SELECT url, filename, source_id, fiscal_year, extension, file_size, content_hash, status, acquired_at, local_path FROM %s`, s.manifest)
}

func scanManifest(row pgx.Row) (acquire.ManifestEntry, error) {
	var e acquire.ManifestEntry
	err := row.Scan(&e.URL, &e.Filename, &e.SourceID, &e.FiscalYear, &e.Extension, &e.FileSize,
		&e.ContentHash, &e.Status, &e.Timestamp, &e.LocalPath)
	return e, err
}

// Manifest returns the entry for url.
func (s *LedgerStore) Manifest(ctx context.Context, url string) (acquire.ManifestEntry, bool, error) {
	e, err := scanManifest(s.pool.QueryRow(ctx, s.manifestSelect()+` WHERE url = $1`, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return acquire.ManifestEntry{}, false, nil
	}
	if err != nil {
		return acquire.ManifestEntry{}, false, fmt.Errorf("read manifest: %w", err)
	}
	return e, true, nil
}

// ListManifest returns every entry ordered by URL.
func (s *LedgerStore) ListManifest(ctx context.Context) ([]acquire.ManifestEntry, error) {
	rows, err := s.pool.Query(ctx, s.manifestSelect()+` ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	defer rows.Close()
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
func (s *LedgerStore) PutFailure(ctx context.Context, r acquire.FailureRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	url, dest, filename, error, error_kind, source, year, use_browser, failed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (url) DO UPDATE SET
	dest = EXCLUDED.dest,
	filename = EXCLUDED.filename,
	error = EXCLUDED.error,
	error_kind = EXCLUDED.error_kind,
	source = EXCLUDED.source,
	year = EXCLUDED.year,
	use_browser = EXCLUDED.use_browser,
	failed_at = EXCLUDED.failed_at`, s.failures)
	_, err := s.pool.Exec(ctx, query,
		r.URL, r.Dest, r.Filename, r.Error, string(r.ErrorKind), r.Source, r.Year, r.UseBrowser, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("put failure: %w", err)
	}
	return nil
}

// DeleteFailure removes the record for url.
func (s *LedgerStore) DeleteFailure(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE url = $1`, s.failures), url); err != nil {
		return fmt.Errorf("delete failure: %w", err)
	}
	return nil
}

// ListFailures returns every record ordered by URL.
func (s *LedgerStore) ListFailures(ctx context.Context) ([]acquire.FailureRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT url, dest, filename, error, error_kind, source, year, use_browser, failed_at FROM %s ORDER BY url`, s.failures))
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()
	var out []acquire.FailureRecord
	for rows.Next() {
		var (
			r    acquire.FailureRecord
			kind string
		)
		if err := rows.Scan(&r.URL, &r.Dest, &r.Filename, &r.Error, &kind, &r.Source, &r.Year, &r.UseBrowser, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		r.ErrorKind = acquire.ErrorKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartRun records the start of an acquisition run.
func (s *LedgerStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (run_id, started_at) VALUES ($1, $2) ON CONFLICT (run_id) DO NOTHING`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun records a run's outcome counts.
func (s *LedgerStore) FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, succeeded, skipped, failed int) error {
	query := fmt.Sprintf(`UPDATE %s SET finished_at = $2, succeeded = $3, skipped = $4, failed = $5 WHERE run_id = $1`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, finishedAt, succeeded, skipped, failed); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
