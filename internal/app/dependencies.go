// Package app wires configuration into the shared infrastructure and services
// used by the API, worker and tools binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/backend-bullion/internal/checkout"
	"github.com/noah-isme/backend-bullion/internal/config"
	"github.com/noah-isme/backend-bullion/internal/database"
	"github.com/noah-isme/backend-bullion/internal/funds"
	"github.com/noah-isme/backend-bullion/internal/lock"
	"github.com/noah-isme/backend-bullion/internal/order"
	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/ratelimit"
	"github.com/noah-isme/backend-bullion/internal/spot"
	"github.com/noah-isme/backend-bullion/internal/tax"
)

// Dependencies holds the long-lived clients shared by a process.
type Dependencies struct {
	Config       *config.Config
	Logger       zerolog.Logger
	DB           *pgxpool.Pool
	Redis        *redis.Client
	Feed         *spot.Feed
	Spot         *spot.Store
	LimiterStore limiter.Store
	TaskClient   *asynq.Client
}

// Open connects to Postgres and Redis. appName is reported to Postgres.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.DBMigrateOnStart {
		if err := database.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	pool, err := database.Connect(connectCtx, cfg.DatabaseURL, appName)
	if err != nil {
		return nil, err
	}

	rdb, err := NewRedis(connectCtx, cfg.RedisURL, cfg.MetricsEnabled, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	store, err := ratelimit.NewStore(rdb, "ratelimit:public")
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("limiter store: %w", err)
	}

	return &Dependencies{
		Config:       cfg,
		Logger:       logger,
		DB:           pool,
		Redis:        rdb,
		Feed:         spot.NewFeed(pricing.Quotes{}),
		Spot:         spot.NewStore(rdb, cfg.SpotSnapshotKey, cfg.SpotChannel, logger),
		LimiterStore: store,
	}, nil
}

// NewRedis opens an instrumented Redis client and pings it.
func NewRedis(ctx context.Context, url string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Close releases every client. It is safe to call on a partially built value.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// WarmSpot seeds the feed from the last published snapshot.
func (d *Dependencies) WarmSpot(ctx context.Context) {
	quotes, err := d.Spot.Load(ctx)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("spot_snapshot_unavailable")
		return
	}
	d.Feed.Replace(quotes)
}

// TaxEngine returns the remote engine when configured and the flat-rate table otherwise.
func TaxEngine(cfg *config.Config) tax.Engine {
	if cfg.TaxServiceURL != "" {
		return tax.NewHTTPEngine(cfg.TaxServiceURL, cfg.TaxAPIKey, cfg.TaxTimeout)
	}
	return tax.FlatRateEngine{
		DefaultBps:   cfg.TaxDefaultBps,
		RegionBps:    cfg.TaxRegionBps,
		ExemptMetals: cfg.TaxExemptMetals,
	}
}

// Submitter returns how finalised orders leave the API: via the task queue
// or straight to the order service.
func (d *Dependencies) Submitter() (order.Submitter, error) {
	cfg := d.Config
	switch cfg.OrderSubmitMode {
	case config.SubmitModeDirect:
		if cfg.OrderServiceURL == "" {
			return nil, errors.New("ORDER_SERVICE_URL is required for direct submission")
		}
		return order.NewHTTPSubmitter(cfg.OrderServiceURL, cfg.OrderServiceAPIKey, cfg.OrderServiceTimeout), nil
	default:
		if d.TaskClient == nil {
			opt, err := asynq.ParseRedisURI(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("parse task queue redis url: %w", err)
			}
			d.TaskClient = asynq.NewClient(opt)
		}
		return &order.QueueSubmitter{Client: d.TaskClient, Queue: cfg.OrderQueue}, nil
	}
}

// Services are the domain services behind the API.
type Services struct {
	Pricing  *pricing.Service
	Funds    *funds.PgRepository
	Checkout *checkout.Service
}

// NewServices builds the pricing, funds and checkout services.
func (d *Dependencies) NewServices() (*Services, error) {
	cfg := d.Config
	submitter, err := d.Submitter()
	if err != nil {
		return nil, err
	}
	pricingSvc := pricing.NewService(pricing.NewEngine(cfg.PricingRates), d.Logger)
	fundsRepo := funds.NewPgRepository(d.DB)
	return &Services{
		Pricing: pricingSvc,
		Funds:   fundsRepo,
		Checkout: &checkout.Service{
			Store:      checkout.NewStore(d.Redis, cfg.CheckoutSessionTTL),
			Locker:     lock.Locker{R: d.Redis, Wait: 2 * time.Second},
			Pricing:    pricingSvc,
			Quotes:     d.Feed,
			Funds:      fundsRepo,
			Tax:        TaxEngine(cfg),
			Orders:     submitter,
			Policy:     checkout.Policy{StrictTax: cfg.StrictTax()},
			Currency:   cfg.Currency,
			LockTTL:    cfg.CheckoutLockTTL,
			TaxTimeout: cfg.TaxTimeout,
			Logger:     d.Logger.With().Str("component", "checkout").Logger(),
		},
	}, nil
}
