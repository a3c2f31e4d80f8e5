package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/clock/system"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/config"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/discovery"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/extract"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/fetcher/browser"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/fetcher/direct"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/ledger"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/metrics"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/fiscal-docs-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/registry"
	gcsstorage "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/postgres"
	redisstorage "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/redis"
	s3storage "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/s3"
	sqlitestorage "github.com/JakeFAU/fiscal-docs-harvester/internal/storage/sqlite"
)

// ErrInvalidInput marks configuration and argument errors that abort a run
// before any work starts.
var ErrInvalidInput = errors.New("invalid input")

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

// Build constructs every long-lived resource once from cfg: the pooled HTTP
// client, the lazily started browser session, the ledger and cache backends,
// and the optional mirror, notifier and extraction worker. It fails fast when
// a backend cannot be reached or the output directory is not writable.
func Build(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, invalid(err)
	}
	fsys := afero.NewOsFs()
	if err := localstorage.EnsureWritableDir(fsys, cfg.Output.Dir); err != nil {
		return nil, invalid(err)
	}
	if err := localstorage.EnsureWritableDir(fsys, cfg.LedgerDir()); err != nil {
		return nil, invalid(err)
	}

	var closers []func() error
	fail := func(err error) (*Pipeline, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	reg := prometheus.NewRegistry()
	observe, err := metrics.RateLimitObserver(reg)
	if err != nil {
		return fail(err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Download.PerHostRPS,
		DefaultBurst: cfg.Download.PerHostBurst,
		Observe:      observe,
	})
	directClient := direct.New(direct.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		PoolSize:       cfg.HTTP.PoolSize,
		ConnectTimeout: cfg.HTTP.ConnectTimeout,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		PageRetries:    cfg.HTTP.PageRetries,
		RetryStatuses:  cfg.HTTP.RetryStatuses,
		BackoffBase:    cfg.Download.BackoffBase,
	}, direct.WithLogger(logger), direct.WithLimiter(limiter))
	closers = append(closers, func() error { directClient.Close(); return nil })

	deps := Deps{
		FS:       fsys,
		Registry: registry.Default(),
		Clock:    system.New(),
		Direct:   directClient,
		Metrics:  reg,
	}
	if cfg.Browser.Enabled {
		browserClient := browser.New(browser.Config{
			Headless:        cfg.Browser.Headless,
			ExecPath:        cfg.Browser.ExecPath,
			UserAgent:       cfg.HTTP.UserAgent,
			NavTimeout:      cfg.Browser.NavTimeout,
			DownloadTimeout: cfg.Browser.DownloadTimeout,
		}, logger)
		closers = append(closers, func() error { browserClient.Close(); return nil })
		deps.Browser = browserClient
	} else {
		logger.Info("browser disabled; browser sources will fail")
	}

	store, err := openLedgerStore(ctx, cfg, fsys)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store.Close)
	deps.Store = store
	logger.Info("ledger opened", zap.String("backend", cfg.Ledger.Backend))

	cache, closeCache, err := openCache(ctx, cfg, fsys, store)
	if err != nil {
		return fail(err)
	}
	if closeCache != nil {
		closers = append(closers, closeCache)
	}
	deps.Cache = cache

	mirror, err := openMirror(ctx, cfg, fsys)
	if err != nil {
		return fail(err)
	}
	if mirror != nil {
		deps.Mirror = mirror
		if c, ok := mirror.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
		logger.Info("mirroring enabled", zap.String("backend", cfg.Mirror.Backend), zap.String("bucket", cfg.Mirror.Bucket))
	}

	if cfg.Notify.TopicName != "" {
		pub, err := pubsubpublisher.New(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicName)
		if err != nil {
			return fail(fmt.Errorf("create pubsub publisher: %w", err))
		}
		closers = append(closers, pub.Close)
		deps.Publisher = pub
	}

	if cfg.Extract.Enabled {
		deps.Extractor = extract.New(fsys, cfg.Extract.QueueDepth, logger)
	}

	p := New(cfg, deps, opts, logger)
	p.closers = append(p.closers, closers...)
	return p, nil
}

// OpenLedger opens only the configured ledger store, for read-only commands
// that do not need the fetch clients.
func OpenLedger(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, invalid(err)
	}
	return openLedgerStore(ctx, cfg, afero.NewOsFs())
}

func openLedgerStore(ctx context.Context, cfg config.Config, fsys afero.Fs) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerSQLite:
		s, err := sqlitestorage.Open(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return s, nil
	case config.LedgerPostgres:
		s, err := pgstore.NewLedgerStore(ctx, pgstore.Config{DSN: cfg.Ledger.DSN, MaxConns: cfg.Ledger.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return s, nil
	default:
		s, err := localstorage.OpenLedger(fsys, localstorage.LedgerConfig{
			ManifestPath: filepath.Join(cfg.LedgerDir(), cfg.Ledger.ManifestFile),
			FailuresPath: filepath.Join(cfg.LedgerDir(), cfg.Ledger.FailuresFile),
		})
		if err != nil {
			return nil, fmt.Errorf("open json ledger: %w", err)
		}
		return s, nil
	}
}

// openCache returns the discovery cache and, when it owns a separate
// connection, its closer.
func openCache(ctx context.Context, cfg config.Config, fsys afero.Fs, store ledger.Store) (discovery.CacheStore, func() error, error) {
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		return memorystorage.NewDiscoveryCache(), nil, nil
	case config.CacheRedis:
		c, err := redisstorage.NewDiscoveryCache(cfg.Cache.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis cache: %w", err)
		}
		return c, c.Close, nil
	case config.CacheSQLite:
		if s, ok := store.(*sqlitestorage.Store); ok {
			return s, nil, nil
		}
		s, err := sqlitestorage.Open(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, s.Close, nil
	default:
		return localstorage.NewDiscoveryCache(fsys, cfg.CacheDir()), nil, nil
	}
}

func openMirror(ctx context.Context, cfg config.Config, fsys afero.Fs) (acquire.BlobStore, error) {
	switch cfg.Mirror.Backend {
	case config.MirrorGCS:
		s, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Mirror.Bucket, Prefix: cfg.Mirror.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs mirror: %w", err)
		}
		return s, nil
	case config.MirrorS3:
		s, err := s3storage.Open(ctx, s3storage.Config{
			Bucket:   cfg.Mirror.Bucket,
			Region:   cfg.Mirror.Region,
			Endpoint: cfg.Mirror.Endpoint,
			Prefix:   cfg.Mirror.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 mirror: %w", err)
		}
		return s, nil
	case config.MirrorLocal:
		s, err := localstorage.New(fsys, localstorage.Config{BaseDir: filepath.Join(cfg.Mirror.Dir, cfg.Mirror.Prefix)})
		if err != nil {
			return nil, fmt.Errorf("open local mirror: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}
