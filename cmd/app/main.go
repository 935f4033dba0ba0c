package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"profitpeek/internal/cache"
	"profitpeek/internal/config"
	"profitpeek/internal/csvimport"
	"profitpeek/internal/fees"
	"profitpeek/internal/health"
	"profitpeek/internal/httpserver"
	"profitpeek/internal/logging"
	"profitpeek/internal/metrics"
	"profitpeek/internal/pipeline"
	"profitpeek/internal/rollup"
	"profitpeek/internal/shopify"
	"profitpeek/internal/store"
	"profitpeek/migrations"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting profitpeek", "env", cfg.AppEnv, "driver", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var st store.Store
	switch cfg.DatabaseDriver {
	case "sqlite":
		st, err = store.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		st, err = store.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	feePct, err := decimal.NewFromString(cfg.FeeDefaultPct)
	if err != nil {
		return fmt.Errorf("parse FEE_DEFAULT_PCT: %w", err)
	}
	feeFixed, err := decimal.NewFromString(cfg.FeeDefaultFixed)
	if err != nil {
		return fmt.Errorf("parse FEE_DEFAULT_FIXED: %w", err)
	}
	feeResolver := fees.NewResolver(feePct, feeFixed)

	aggregator := rollup.New(st, logger, metricRegistry)
	processor := pipeline.New(st, aggregator, feeResolver, logger, metricRegistry, cfg.WebhookStaleAfter)
	scorer := health.NewScorer(st, logger, health.Thresholds{
		MissingCostsWarning:   cfg.MissingCostsWarning,
		MissingCostsCritical:  cfg.MissingCostsCritical,
		EstimatedFeesWarning:  cfg.EstimatedFeesWarning,
		EstimatedFeesCritical: cfg.EstimatedFeesCritical,
		WebhookLagWarning:     cfg.WebhookLagWarning,
		WebhookLagCritical:    cfg.WebhookLagCritical,
	}, cfg.HealthLookback)
	importer := csvimport.NewImporter(st, logger)

	// Backfill needs Admin API access; without a token the endpoint
	// reports unavailable instead of failing mid-run.
	var backfiller *pipeline.Backfiller
	if cfg.ShopifyAccessToken != "" {
		apiClient := shopify.NewClient(shopify.ClientConfig{
			AccessToken: cfg.ShopifyAccessToken,
			APIVersion:  cfg.ShopifyAPIVersion,
			Timeout:     cfg.ShopifyAPITimeout,
		}, logger, metricRegistry)
		backfiller = pipeline.NewBackfiller(processor, apiClient)
	}

	webhookHandler := shopify.NewWebhookHandler(logger, metricRegistry, cfg.ShopifyWebhookSecret, processor)

	go retryLoop(ctx, logger, st, processor, cfg.WebhookRetryInterval, cfg.WebhookRetryBatch)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		ShopifyWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store:      st,
		Redis:      redisClient,
		Aggregator: aggregator,
		Scorer:     scorer,
		Pipeline:   processor,
		Importer:   importer,
		Backfiller: backfiller,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

// retryLoop periodically re-drives failed and stale webhook events for
// every shop through the processor.
func retryLoop(ctx context.Context, logger *slog.Logger, st store.Store, processor *pipeline.Processor, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		shops, err := st.ListShops(ctx)
		if err != nil {
			logger.Error("retry sweep failed listing shops", "error", err)
			continue
		}
		for _, shop := range shops {
			retried, err := processor.RetryFailed(ctx, shop, batch)
			if err != nil {
				logger.Error("retry sweep failed", "shop", shop.Domain, "error", err)
				continue
			}
			if retried > 0 {
				logger.Info("retried webhook events", "shop", shop.Domain, "count", retried)
			}
		}
	}
}
