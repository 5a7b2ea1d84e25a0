package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/floorlab/nftindexer/internal/blob/s3"
	"github.com/floorlab/nftindexer/internal/cache/redis"
	"github.com/floorlab/nftindexer/internal/config"
	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/notify"
	"github.com/floorlab/nftindexer/internal/oracle"
	"github.com/floorlab/nftindexer/internal/store/postgres"
	"github.com/floorlab/nftindexer/internal/validator"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Orders     domain.OrderStore
	Events     domain.EventStore
	TokenSets  domain.TokenSetStore
	Balances   domain.BalanceStore
	Aggregates domain.AggregateStore

	// Caches and coordination
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Deduper     domain.Deduper

	// Classification
	Oracle    *oracle.Oracle
	Validator *validator.Validator

	// Blob storage, wired only when export is enabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 reports whether the mode touches object storage.
func needsS3(cfg *config.Config) bool {
	return cfg.Export.Enabled || cfg.Mode == "export"
}

// Wire constructs all concrete dependency implementations from the given
// configuration, returning them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Events = postgres.NewEventStore(pool)
	deps.TokenSets = postgres.NewTokenSetStore(pool)
	deps.Balances = postgres.NewBalanceStore(pool)
	deps.Aggregates = postgres.NewAggregateStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Deduper = redis.NewDeduper(redisClient)

	// --- Chain reader (optional: only for the on-chain recheck fallback) ---
	var chain oracle.ChainReader
	if cfg.Chain.RPCURL != "" {
		eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: eth rpc: %w", err)
		}
		closers = append(closers, eth.Close)
		chain = oracle.NewEthReader(eth)
	}

	kinds := oracle.NewKindCache(cfg.Engine.ContractKindCacheTTL.Duration)
	deps.Oracle = oracle.New(deps.Balances, chain, kinds, logger)
	deps.Validator = validator.New(deps.Oracle)

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
	}

	// --- Change notifications ---
	sinks := []notify.Sink{
		notify.NewLogSink(logger),
		notify.NewBusSink(deps.SignalBus, "changes"),
	}
	deps.Notifier = notify.New(sinks, nil, logger)

	return deps, cleanup, nil
}
