package initializer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amirasaad/cryptoledger/infra"
	infra_eventbus "github.com/amirasaad/cryptoledger/infra/eventbus"
	infra_provider "github.com/amirasaad/cryptoledger/infra/provider"
	infra_repository "github.com/amirasaad/cryptoledger/infra/repository"
	"github.com/amirasaad/cryptoledger/infra/scheduler"
	"github.com/amirasaad/cryptoledger/pkg/app"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	"github.com/amirasaad/cryptoledger/pkg/provider/exchange"
	"github.com/amirasaad/cryptoledger/pkg/service/approval"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
)

// Transport and scheduler drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
)

// InitializeDependencies connects every backing service named by cfg and
// returns the dependencies the app is built from. On error everything
// opened so far is closed again.
func InitializeDependencies(ctx context.Context, cfg *config.App) (deps *app.Deps, err error) {
	deps = &app.Deps{}
	logger := setupLogger(cfg.Log)
	deps.Logger = logger
	deps.Config = cfg
	defer func() {
		if err != nil {
			closeAll(deps.Closers, logger)
			deps = nil
		}
	}()

	addresses, err := currency.NewAddressValidator(cfg.Chain.BitcoinNetwork)
	if err != nil {
		return deps, fmt.Errorf("address validator: %w", err)
	}
	deps.Addresses = addresses

	// Initialize database
	db, err := infra.NewDBConnection(cfg.DB, cfg.Env)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		return deps, err
	}
	if sqlDB, err := db.DB(); err == nil {
		deps.Closers = append(deps.Closers, sqlDB.Close)
	}
	if cfg.DB.Migrate {
		if err := infra.Migrate(db, logger); err != nil {
			return deps, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	deps.Uow = infra_repository.NewUoW(db)

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return deps, err
	}
	var cmd redis.Cmdable
	if rdb != nil {
		cmd = rdb
		deps.Closers = append(deps.Closers, rdb.Close)
	}

	// Exchange rates, cached in Redis when it is available
	var rates exchange.RateCache = exchange.NewCache(cfg.Exchange.CacheTTL)
	if rdb != nil {
		rates = infra_provider.NewRedisRateCache(rdb, cfg.Redis.KeyPrefix+cfg.Exchange.CachePrefix, cfg.Exchange.CacheTTL, logger)
	}
	deps.ExchangeRate = infra_provider.NewCachedExchangeRate(
		infra_provider.NewExchangeRate(cfg.Exchange, logger),
		rates,
		logger,
	)
	deps.FeeEstimator = infra_provider.NewFeeEstimator(cfg.Fee, logger)

	var nonces infra_provider.NonceSource
	if cfg.Chain.EthRpcURL != "" {
		eth, err := ethclient.DialContext(ctx, cfg.Chain.EthRpcURL)
		if err != nil {
			return deps, fmt.Errorf("failed to dial ethereum node: %w", err)
		}
		deps.Closers = append(deps.Closers, func() error { eth.Close(); return nil })
		nonces = eth
		logger.Info("Using ethereum node for nonces")
	}
	deps.Signer = infra_provider.NewSigner(cfg.Signer, nonces, logger)

	// Initialize event bus
	t, err := newBus(ctx, cfg, cmd, logger)
	if err != nil {
		return deps, err
	}
	deps.Subscriber = t
	deps.Publisher = t
	deps.Closers = append(deps.Closers, t.Close)

	deps.Scheduler, err = newScheduler(cfg, cmd, logger)
	if err != nil {
		return deps, err
	}

	return deps, nil
}

// transport is both sides of an event bus driver.
type transport interface {
	eventbus.Subscriber
	eventbus.Publisher
}

func newBus(ctx context.Context, cfg *config.App, rdb redis.Cmdable, logger *slog.Logger) (transport, error) {
	retry := infra_eventbus.Retry{
		MaxAttempts: cfg.Bus.MaxRetries,
		Backoff:     cfg.Bus.RetryBackoff,
		MaxBackoff:  cfg.Bus.MaxBackoff,
	}
	switch strings.ToLower(cfg.Bus.Driver) {
	case DriverMemory, "":
		logger.Info("Using in-memory event bus")
		return infra_eventbus.NewWithMemory(1024, retry, logger), nil
	case DriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis event bus requires REDIS_URL")
		}
		rc := infra_eventbus.DefaultRedisConfig()
		rc.StreamPrefix = cfg.Bus.InboundPrefix
		rc.Retry = retry
		logger.Info("Using Redis stream event bus", "prefix", rc.StreamPrefix, "consumer", rc.Consumer)
		return infra_eventbus.NewWithRedis(rdb, rc, logger), nil
	case DriverKafka:
		kc := infra_eventbus.DefaultKafkaConfig()
		kc.Brokers = cfg.Kafka.Brokers
		kc.GroupID = cfg.Kafka.GroupID
		kc.TopicPrefix = cfg.Bus.InboundPrefix
		kc.DLQSuffix = cfg.Kafka.DLQSuffix
		kc.SASLUsername = cfg.Kafka.Username
		kc.SASLPassword = cfg.Kafka.Password
		kc.TLSEnabled = cfg.Kafka.TLS
		kc.Retry = retry
		b, err := infra_eventbus.NewWithKafka(ctx, kc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka event bus: %w", err)
		}
		logger.Info("Using Kafka event bus", "brokers", kc.Brokers, "group_id", kc.GroupID)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown event bus driver %q", cfg.Bus.Driver)
	}
}

func newScheduler(cfg *config.App, rdb redis.Cmdable, logger *slog.Logger) (approval.Scheduler, error) {
	switch strings.ToLower(cfg.Approval.Scheduler) {
	case DriverMemory, "":
		return scheduler.NewMemory(cfg.Approval.PollInterval, logger), nil
	case DriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis approval scheduler requires REDIS_URL")
		}
		key := cfg.Redis.KeyPrefix + "approvals"
		return scheduler.NewRedis(rdb, key, cfg.Approval.PollInterval, logger), nil
	default:
		return nil, fmt.Errorf("unknown approval scheduler %q", cfg.Approval.Scheduler)
	}
}

// connectRedis returns nil when no Redis is configured. A configured but
// unreachable Redis is only fatal when the bus or the scheduler needs it.
func connectRedis(ctx context.Context, cfg *config.App, logger *slog.Logger) (*redis.Client, error) {
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.PoolSize = cfg.Redis.PoolSize
	opts.DialTimeout = cfg.Redis.DialTimeout
	opts.ReadTimeout = cfg.Redis.ReadTimeout
	opts.WriteTimeout = cfg.Redis.WriteTimeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if needsRedis(cfg) {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Warn("Redis unavailable, caching exchange rates in memory", "error", err)
		return nil, nil
	}
	logger.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

func needsRedis(cfg *config.App) bool {
	return strings.EqualFold(cfg.Bus.Driver, DriverRedis) || strings.EqualFold(cfg.Approval.Scheduler, DriverRedis)
}

func closeAll(closers []func() error, logger *slog.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("Failed to release resource", "error", err)
		}
	}
}
