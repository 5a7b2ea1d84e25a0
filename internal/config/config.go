// Package config defines the top-level configuration for the indexer and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by NFTINDEXER_* environment
// variables.
type Config struct {
	// Mode selects what the process runs: "index" (stream consumer plus job
	// workers), "export" (one-shot fill export), "revalidate" (one-shot
	// revalidation sweep) or "full" (index plus periodic export).
	Mode string `toml:"mode"`

	Chain    ChainConfig    `toml:"chain"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Jobs     JobsConfig     `toml:"jobs"`
	Export   ExportConfig   `toml:"export"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds RPC parameters for the on-chain recheck fallback.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID int    `toml:"chain_id"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for data export.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the knobs the ingestion and backfill machinery
// recognizes.
type EngineConfig struct {
	BatchLimit             int      `toml:"batch_limit"`
	LockTTLSeconds         int      `toml:"lock_ttl_seconds"`
	OnChainApprovalRecheck bool     `toml:"on_chain_approval_recheck"`
	RateLimitFloorSeconds  int      `toml:"rate_limit_floor_seconds"`
	ContractKindCacheTTL   duration `toml:"contract_kind_cache_ttl"`
}

// LockTTL returns the lock TTL as a duration.
func (c EngineConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RateLimitFloor returns the minimum re-queue delay after an upstream
// rate-limit response.
func (c EngineConfig) RateLimitFloor() time.Duration {
	return time.Duration(c.RateLimitFloorSeconds) * time.Second
}

// JobsConfig holds per-queue worker parameters.
type JobsConfig struct {
	OrderUpdateConcurrency int      `toml:"order_update_concurrency"`
	MakerUpdateConcurrency int      `toml:"maker_update_concurrency"`
	MaxAttempts            int      `toml:"max_attempts"`
	BackoffBase            duration `toml:"backoff_base"`
	DedupWindow            duration `toml:"dedup_window"`
	ExpiryInterval         duration `toml:"expiry_interval"`
}

// ExportConfig holds parameters for the fill-event export job.
type ExportConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Prefix   string   `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with sane default values. Load merges the TOML
// file on top of these.
func Defaults() Config {
	return Config{
		Mode: "index",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Engine: EngineConfig{
			BatchLimit:            200,
			LockTTLSeconds:        60,
			RateLimitFloorSeconds: 5,
			ContractKindCacheTTL:  duration{10 * time.Minute},
		},
		Jobs: JobsConfig{
			OrderUpdateConcurrency: 15,
			MakerUpdateConcurrency: 10,
			MaxAttempts:            5,
			BackoffBase:            duration{10 * time.Second},
			DedupWindow:            duration{5 * time.Minute},
			ExpiryInterval:         duration{time.Minute},
		},
		Export: ExportConfig{
			Interval: duration{time.Hour},
			Prefix:   "fills",
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var problems []string

	switch c.Mode {
	case "index", "export", "revalidate", "full":
	default:
		problems = append(problems, fmt.Sprintf("mode: unsupported mode %q", c.Mode))
	}
	if c.Postgres.DSN == "" && (c.Postgres.Database == "" || c.Postgres.User == "") {
		problems = append(problems, "postgres: either dsn or database+user is required")
	}
	if c.Redis.Addr == "" {
		problems = append(problems, "redis: addr is required")
	}
	if c.Engine.BatchLimit <= 0 {
		problems = append(problems, "engine: batch_limit must be positive")
	}
	if c.Engine.LockTTLSeconds <= 0 {
		problems = append(problems, "engine: lock_ttl_seconds must be positive")
	}
	if c.Engine.RateLimitFloorSeconds < 0 {
		problems = append(problems, "engine: rate_limit_floor_seconds must not be negative")
	}
	if c.Engine.OnChainApprovalRecheck && c.Chain.RPCURL == "" {
		problems = append(problems, "chain: rpc_url is required when on_chain_approval_recheck is enabled")
	}
	if c.Jobs.MaxAttempts <= 0 {
		problems = append(problems, "jobs: max_attempts must be positive")
	}
	if c.Export.Enabled && c.S3.Bucket == "" {
		problems = append(problems, "export: s3 bucket is required when export is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
