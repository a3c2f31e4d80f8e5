package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.Workers != 4 || cfg.Download.DirectWorkers != 4 {
		t.Fatalf("unexpected worker defaults: %+v %+v", cfg.Discovery, cfg.Download)
	}
	if cfg.Discovery.CacheTTL != 24*time.Hour {
		t.Fatalf("expected 24h cache ttl, got %s", cfg.Discovery.CacheTTL)
	}
	if cfg.Discovery.PolitenessDelay != time.Second {
		t.Fatalf("expected 1s politeness delay, got %s", cfg.Discovery.PolitenessDelay)
	}
	if cfg.Download.Retries != 3 || cfg.Download.BackoffBase != time.Second || cfg.Download.BackoffMax != time.Minute {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Download)
	}
	if cfg.Download.MinValidBytes != 1024 {
		t.Fatalf("expected 1024 min valid bytes, got %d", cfg.Download.MinValidBytes)
	}
	if cfg.HTTP.PoolSize < 20 {
		t.Fatalf("pool size %d below floor", cfg.HTTP.PoolSize)
	}
	if cfg.Ledger.Backend != LedgerJSON || cfg.Cache.Backend != CacheFile || cfg.Mirror.Backend != MirrorNone {
		t.Fatalf("unexpected backend defaults: %s %s %s", cfg.Ledger.Backend, cfg.Cache.Backend, cfg.Mirror.Backend)
	}
	if got := strings.Join(cfg.Types, ","); got != "pdf,xlsx,xls,zip,csv" {
		t.Fatalf("unexpected default types %q", got)
	}
	if cfg.LedgerDir() != cfg.Output.Dir {
		t.Fatalf("ledger dir should default to output dir")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
output:
  dir: /srv/docs
discovery:
  workers: 8
  cache_ttl: 2h
  politeness_delay: 250ms
download:
  direct_workers: 6
  retries: 5
  backoff_base: 500ms
ledger:
  backend: sqlite
  dir: /srv/ledger
cache:
  backend: memory
mirror:
  backend: s3
  bucket: fiscal-docs
  region: us-east-1
logging:
  development: false
  level: debug
ignored_hosts: ["example.org"]
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Output.Dir != "/srv/docs" {
		t.Fatalf("expected output dir override, got %q", cfg.Output.Dir)
	}
	if cfg.Discovery.Workers != 8 || cfg.Discovery.CacheTTL != 2*time.Hour || cfg.Discovery.PolitenessDelay != 250*time.Millisecond {
		t.Fatalf("unexpected discovery config: %+v", cfg.Discovery)
	}
	if cfg.Download.DirectWorkers != 6 || cfg.Download.Retries != 5 || cfg.Download.BackoffBase != 500*time.Millisecond {
		t.Fatalf("unexpected download config: %+v", cfg.Download)
	}
	if cfg.Ledger.Backend != LedgerSQLite || cfg.LedgerDir() != "/srv/ledger" {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.CacheDir() != "/srv/ledger/.discovery_cache" {
		t.Fatalf("unexpected cache dir %q", cfg.CacheDir())
	}
	if cfg.Mirror.Backend != MirrorS3 || cfg.Mirror.Bucket != "fiscal-docs" {
		t.Fatalf("unexpected mirror config: %+v", cfg.Mirror)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
	if len(cfg.IgnoredHosts) != 1 || cfg.IgnoredHosts[0] != "example.org" {
		t.Fatalf("unexpected ignored hosts: %v", cfg.IgnoredHosts)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARVESTER_DISCOVERY_WORKERS", "2")
	t.Setenv("HARVESTER_OUTPUT_DIR", "/tmp/out")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.Workers != 2 {
		t.Fatalf("expected env override for workers, got %d", cfg.Discovery.Workers)
	}
	if cfg.Output.Dir != "/tmp/out" {
		t.Fatalf("expected env override for output dir, got %q", cfg.Output.Dir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty output", func(c *Config) { c.Output.Dir = " " }, "output.dir"},
		{"zero discovery workers", func(c *Config) { c.Discovery.Workers = 0 }, "discovery.workers"},
		{"zero direct workers", func(c *Config) { c.Download.DirectWorkers = 0 }, "download.direct_workers"},
		{"negative retries", func(c *Config) { c.Download.Retries = -1 }, "download.retries"},
		{"small pool", func(c *Config) { c.HTTP.PoolSize = 4 }, "http.pool_size"},
		{"postgres without dsn", func(c *Config) { c.Ledger.Backend = LedgerPostgres }, "ledger.dsn"},
		{"unknown ledger", func(c *Config) { c.Ledger.Backend = "bolt" }, "ledger.backend"},
		{"redis without url", func(c *Config) { c.Cache.Backend = CacheRedis }, "cache.redis_url"},
		{"gcs without bucket", func(c *Config) { c.Mirror.Backend = MirrorGCS }, "mirror.bucket"},
		{"local mirror without dir", func(c *Config) { c.Mirror.Backend = MirrorLocal }, "mirror.dir"},
		{"topic without project", func(c *Config) { c.Notify.TopicName = "docs" }, "notify.project_id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSQLitePathResolvesAgainstLedgerDir(t *testing.T) {
	t.Parallel()

	cfg := Config{Output: OutputConfig{Dir: "data/documents/"}, Ledger: LedgerConfig{SQLitePath: "ledger.db"}}
	if got := cfg.SQLitePath(); got != "data/documents/ledger.db" {
		t.Fatalf("SQLitePath() = %q", got)
	}
	cfg.Ledger.SQLitePath = "/var/lib/harvester/ledger.db"
	if got := cfg.SQLitePath(); got != "/var/lib/harvester/ledger.db" {
		t.Fatalf("SQLitePath() = %q", got)
	}
	cfg.Cache.Backend = CacheSQLite
	if got := cfg.CacheDir(); got != "data/documents/.discovery_cache" {
		t.Fatalf("CacheDir() = %q", got)
	}
}
