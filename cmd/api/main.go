package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-bullion/internal/app"
	"github.com/noah-isme/backend-bullion/internal/auth"
	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/config"
	"github.com/noah-isme/backend-bullion/internal/health"
	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/ratelimit"
	"github.com/noah-isme/backend-bullion/internal/resilience"
	"github.com/noah-isme/backend-bullion/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	resilience.MustRegisterMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingEnabled := false
	if cfg.TracingEnabled {
		var stopTracing func()
		stopTracing, tracingEnabled = obs.StartTracing(ctx, obs.TracingConfig{
			ServiceName:   "bullion-pricing-api",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		}, logger)
		defer stopTracing()
	}

	deps, err := app.Open(ctx, cfg, logger, "bullion-pricing-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()
	deps.WarmSpot(ctx)
	go func() {
		if err := deps.Spot.Subscribe(ctx, deps.Feed); err != nil {
			logger.Error().Err(err).Msg("spot_subscription_stopped")
		}
	}()

	services, err := deps.NewServices()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise services")
	}

	authService, err := auth.NewService(auth.Config{
		Secret:    cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		ClockSkew: cfg.JWTClockSkew,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}

	publicLimit, err := ratelimit.Public(deps.LimiterStore, cfg.PublicRateLimit, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise public rate limit")
	}

	rc := app.RouterConfig{
		Logger:       logger,
		Auth:         authService,
		AccessCookie: cfg.AccessCookie,
		CORSOrigins:  cfg.CORSAllowedOrigins,
		Pricing:      services.Pricing,
		Checkout:     services.Checkout,
		Funds:        services.Funds,
		Feed:         deps.Feed,
		Health: health.Handler{
			Checker:      readinessChecker{db: deps.DB, redis: deps.Redis},
			Quotes:       deps.Feed,
			MaxQuoteAge:  cfg.SpotMaxAge,
			DBTimeout:    cfg.ReadyDBTimeout,
			RedisTimeout: cfg.ReadyRedisTimeout,
		},
		Idem: common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL},
		EventLimit: ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: "ratelimit:checkout:"},
			Config:  ratelimit.Config{Key: ratelimit.SessionEventKey, Window: cfg.EventRateWindow, Max: cfg.EventRateLimit},
			OnError: func(err error) { logger.Warn().Err(err).Msg("checkout_rate_limit_unavailable") },
		},
		PublicLimit:  publicLimit,
		BodyLimit:    security.BodyLimit{Max: cfg.MaxBodyBytes},
		Headers:      security.Headers{Enable: cfg.SecurityHeaders, EnableHSTS: cfg.HSTSEnabled, HSTSIncludeSubdomains: true},
		Tracing:      tracingEnabled,
		PprofEnabled: cfg.PprofEnabled,
		PprofUser:    cfg.PprofUser,
		PprofPass:    cfg.PprofPass,
	}
	if cfg.MetricsEnabled {
		rc.HTTPMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, cfg.MetricsBuckets, nil)
		rc.Metrics = promhttp.Handler()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           app.NewRouter(rc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}

	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("server stopped")
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}
