package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-bullion/internal/app"
	"github.com/noah-isme/backend-bullion/internal/config"
	"github.com/noah-isme/backend-bullion/internal/health"
	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/order"
	"github.com/noah-isme/backend-bullion/internal/resilience"
	"github.com/noah-isme/backend-bullion/internal/spot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	resilience.MustRegisterMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		stopTracing, _ := obs.StartTracing(ctx, obs.TracingConfig{
			ServiceName:   "bullion-pricing-worker",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		}, logger)
		defer stopTracing()
	}

	redisClient, err := app.NewRedis(ctx, cfg.RedisURL, cfg.MetricsEnabled, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	if cfg.SpotUpstreamURL != "" {
		store := spot.NewStore(redisClient, cfg.SpotSnapshotKey, cfg.SpotChannel, logger)
		poller := spot.NewPoller(spot.NewClient(cfg.SpotUpstreamURL, cfg.SpotTimeout), store, cfg.SpotPollInterval, logger)
		go poller.Run(ctx)
	} else {
		logger.Warn().Msg("SPOT_UPSTREAM_URL not set; spot polling disabled")
	}

	taskServer, err := startTaskServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("start order delivery")
	}

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/health/live", health.Handler{}.Live)
		metricsSrv = &http.Server{Addr: cfg.HTTPAddr(), Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	logger.Info().Msg("worker started")
	<-ctx.Done()

	if taskServer != nil {
		taskServer.Shutdown()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("worker shutdown complete")
}

// startTaskServer delivers queued order submissions. Nothing is consumed in
// direct mode since the API talks to the order service itself.
func startTaskServer(cfg *config.Config, logger zerolog.Logger) (*asynq.Server, error) {
	if cfg.OrderSubmitMode != config.SubmitModeQueue {
		return nil, nil
	}
	if cfg.OrderServiceURL == "" {
		return nil, errors.New("ORDER_SERVICE_URL is required to deliver queued orders")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{cfg.OrderQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task_failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(order.TypeSubmit, order.Processor{
		Delivery: order.NewHTTPSubmitter(cfg.OrderServiceURL, cfg.OrderServiceAPIKey, cfg.OrderServiceTimeout),
		Logger:   logger,
	})
	if err := srv.Start(mux); err != nil {
		return nil, err
	}
	return srv, nil
}
