package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies NFTINDEXER_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known NFTINDEXER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "NFTINDEXER_MODE")

	setStr(&cfg.Chain.RPCURL, "NFTINDEXER_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "NFTINDEXER_CHAIN_ID")

	setStr(&cfg.Postgres.DSN, "NFTINDEXER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "NFTINDEXER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "NFTINDEXER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "NFTINDEXER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "NFTINDEXER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "NFTINDEXER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "NFTINDEXER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "NFTINDEXER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "NFTINDEXER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "NFTINDEXER_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "NFTINDEXER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "NFTINDEXER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "NFTINDEXER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "NFTINDEXER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "NFTINDEXER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "NFTINDEXER_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "NFTINDEXER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "NFTINDEXER_S3_REGION")
	setStr(&cfg.S3.Bucket, "NFTINDEXER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "NFTINDEXER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "NFTINDEXER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "NFTINDEXER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "NFTINDEXER_S3_FORCE_PATH_STYLE")

	setInt(&cfg.Engine.BatchLimit, "NFTINDEXER_ENGINE_BATCH_LIMIT")
	setInt(&cfg.Engine.LockTTLSeconds, "NFTINDEXER_ENGINE_LOCK_TTL_SECONDS")
	setBool(&cfg.Engine.OnChainApprovalRecheck, "NFTINDEXER_ENGINE_ON_CHAIN_APPROVAL_RECHECK")
	setInt(&cfg.Engine.RateLimitFloorSeconds, "NFTINDEXER_ENGINE_RATE_LIMIT_FLOOR_SECONDS")
	setDuration(&cfg.Engine.ContractKindCacheTTL, "NFTINDEXER_ENGINE_CONTRACT_KIND_CACHE_TTL")

	setInt(&cfg.Jobs.OrderUpdateConcurrency, "NFTINDEXER_JOBS_ORDER_UPDATE_CONCURRENCY")
	setInt(&cfg.Jobs.MakerUpdateConcurrency, "NFTINDEXER_JOBS_MAKER_UPDATE_CONCURRENCY")
	setInt(&cfg.Jobs.MaxAttempts, "NFTINDEXER_JOBS_MAX_ATTEMPTS")
	setDuration(&cfg.Jobs.BackoffBase, "NFTINDEXER_JOBS_BACKOFF_BASE")
	setDuration(&cfg.Jobs.DedupWindow, "NFTINDEXER_JOBS_DEDUP_WINDOW")
	setDuration(&cfg.Jobs.ExpiryInterval, "NFTINDEXER_JOBS_EXPIRY_INTERVAL")

	setBool(&cfg.Export.Enabled, "NFTINDEXER_EXPORT_ENABLED")
	setDuration(&cfg.Export.Interval, "NFTINDEXER_EXPORT_INTERVAL")
	setStr(&cfg.Export.Prefix, "NFTINDEXER_EXPORT_PREFIX")

	setStr(&cfg.LogLevel, "NFTINDEXER_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
