// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Ledger backends.
const (
	LedgerJSON     = "json"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Discovery cache backends.
const (
	CacheFile   = "file"
	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

// Mirror backends. MirrorLocal copies files into a second directory tree,
// such as a network share.
const (
	MirrorNone  = "none"
	MirrorGCS   = "gcs"
	MirrorS3    = "s3"
	MirrorLocal = "local"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Output       OutputConfig    `mapstructure:"output"`
	Discovery    DiscoveryConfig `mapstructure:"discovery"`
	Download     DownloadConfig  `mapstructure:"download"`
	HTTP         HTTPConfig      `mapstructure:"http"`
	Browser      BrowserConfig   `mapstructure:"browser"`
	Ledger       LedgerConfig    `mapstructure:"ledger"`
	Cache        CacheConfig     `mapstructure:"cache"`
	Mirror       MirrorConfig    `mapstructure:"mirror"`
	Notify       NotifyConfig    `mapstructure:"notify"`
	Status       StatusConfig    `mapstructure:"status"`
	Logging      LoggingConfig   `mapstructure:"logging"`
	Extract      ExtractConfig   `mapstructure:"extract"`
	IgnoredHosts []string        `mapstructure:"ignored_hosts"`
	Types        []string        `mapstructure:"types"`
}

// OutputConfig sets the destination root for downloaded files.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// DiscoveryConfig governs the discovery worker pool and cache policy.
type DiscoveryConfig struct {
	Workers         int           `mapstructure:"workers"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	PolitenessDelay time.Duration `mapstructure:"politeness_delay"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Dedup           bool          `mapstructure:"dedup"`
}

// DownloadConfig governs the download pools and retry policy.
type DownloadConfig struct {
	DirectWorkers int           `mapstructure:"direct_workers"`
	Retries       int           `mapstructure:"retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	MinValidBytes int64         `mapstructure:"min_valid_bytes"`
	PerHostRPS    float64       `mapstructure:"per_host_rps"`
	PerHostBurst  int           `mapstructure:"per_host_burst"`
}

// HTTPConfig configures the pooled direct client.
type HTTPConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	PageRetries    int           `mapstructure:"page_retries"`
	RetryStatuses  []int         `mapstructure:"retry_statuses"`
}

// BrowserConfig configures the headless browser client.
type BrowserConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Headless        bool          `mapstructure:"headless"`
	ExecPath        string        `mapstructure:"exec_path"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// LedgerConfig selects where manifest and failure records live.
type LedgerConfig struct {
	Backend      string `mapstructure:"backend"`
	Dir          string `mapstructure:"dir"`
	ManifestFile string `mapstructure:"manifest_file"`
	FailuresFile string `mapstructure:"failures_file"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// CacheConfig selects the discovery cache store.
type CacheConfig struct {
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	RedisURL string `mapstructure:"redis_url"`
}

// MirrorConfig configures optional object-storage mirroring of acquired files.
type MirrorConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Dir      string `mapstructure:"dir"`
}

// NotifyConfig holds Pub/Sub metadata for downstream notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StatusConfig controls the optional status HTTP server.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ExtractConfig controls background archive expansion.
type ExtractConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	QueueDepth int  `mapstructure:"queue_depth"`
}

// Load builds a Config from an optional .env file, the environment and an
// optional config file.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.dir", "data/documents")
	v.SetDefault("discovery.workers", 4)
	v.SetDefault("discovery.cache_ttl", "24h")
	v.SetDefault("discovery.politeness_delay", "1s")
	v.SetDefault("discovery.timeout", "60s")
	v.SetDefault("discovery.dedup", true)
	v.SetDefault("download.direct_workers", 4)
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.backoff_base", "1s")
	v.SetDefault("download.backoff_max", "60s")
	v.SetDefault("download.min_valid_bytes", 1024)
	v.SetDefault("download.per_host_rps", 0)
	v.SetDefault("download.per_host_burst", 1)
	v.SetDefault("http.pool_size", 32)
	v.SetDefault("http.connect_timeout", "10s")
	v.SetDefault("http.read_timeout", "60s")
	v.SetDefault("http.user_agent", "fiscal-docs-harvester/1.0 (+https://github.com/JakeFAU/fiscal-docs-harvester)")
	v.SetDefault("http.page_retries", 3)
	v.SetDefault("http.retry_statuses", []int{429, 500, 502, 503, 504})
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", "30s")
	v.SetDefault("browser.download_timeout", "180s")
	v.SetDefault("ledger.backend", LedgerJSON)
	v.SetDefault("ledger.manifest_file", "manifest.json")
	v.SetDefault("ledger.failures_file", "failed_downloads.json")
	v.SetDefault("ledger.sqlite_path", "ledger.db")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("cache.backend", CacheFile)
	v.SetDefault("mirror.backend", MirrorNone)
	v.SetDefault("mirror.prefix", "documents")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("extract.enabled", true)
	v.SetDefault("extract.queue_depth", 64)
	v.SetDefault("ignored_hosts", []string{
		"facebook.com", "*.facebook.com", "twitter.com", "x.com", "*.linkedin.com",
		"*.youtube.com", "*.instagram.com", "*.google.com", "*.googleapis.com",
	})
	v.SetDefault("types", []string{"pdf", "xlsx", "xls", "zip", "csv"})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Discovery.Workers <= 0 {
		return fmt.Errorf("discovery.workers must be > 0")
	}
	if c.Discovery.CacheTTL < 0 {
		return fmt.Errorf("discovery.cache_ttl must be >= 0")
	}
	if c.Download.DirectWorkers <= 0 {
		return fmt.Errorf("download.direct_workers must be > 0")
	}
	if c.Download.Retries < 0 {
		return fmt.Errorf("download.retries must be >= 0")
	}
	if c.Download.BackoffBase <= 0 {
		return fmt.Errorf("download.backoff_base must be > 0")
	}
	if c.HTTP.PoolSize < 20 {
		return fmt.Errorf("http.pool_size must be >= 20")
	}
	if c.HTTP.ConnectTimeout <= 0 || c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("http.connect_timeout and http.read_timeout must be > 0")
	}
	switch c.Ledger.Backend {
	case LedgerJSON, LedgerSQLite:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set when ledger.backend is postgres")
		}
	default:
		return fmt.Errorf("ledger.backend %q is not one of json, sqlite, postgres", c.Ledger.Backend)
	}
	switch c.Cache.Backend {
	case CacheFile, CacheMemory, CacheSQLite:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url must be set when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of file, redis, memory, sqlite", c.Cache.Backend)
	}
	switch c.Mirror.Backend {
	case "", MirrorNone:
	case MirrorGCS, MirrorS3:
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket must be set when mirror.backend is %s", c.Mirror.Backend)
		}
	case MirrorLocal:
		if c.Mirror.Dir == "" {
			return fmt.Errorf("mirror.dir must be set when mirror.backend is local")
		}
	default:
		return fmt.Errorf("mirror.backend %q is not one of none, gcs, s3, local", c.Mirror.Backend)
	}
	if c.Notify.TopicName != "" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id must be set when notify.topic_name is set")
	}
	return nil
}

// LedgerDir returns the directory holding ledger files, defaulting to the output root.
func (c Config) LedgerDir() string {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir
	}
	return c.Output.Dir
}

// SQLitePath resolves the SQLite database path against the ledger directory.
func (c Config) SQLitePath() string {
	p := c.Ledger.SQLitePath
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return strings.TrimRight(c.LedgerDir(), "/") + "/" + p
}

// CacheDir returns the discovery cache directory, defaulting under the ledger directory.
func (c Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return strings.TrimRight(c.LedgerDir(), "/") + "/.discovery_cache"
}
