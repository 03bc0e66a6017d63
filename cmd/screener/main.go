package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/screener-service/internal/api"
	"github.com/tickerwatch/screener-service/internal/cache"
	"github.com/tickerwatch/screener-service/internal/config"
	"github.com/tickerwatch/screener-service/internal/database"
	"github.com/tickerwatch/screener-service/internal/kafka"
	"github.com/tickerwatch/screener-service/internal/marketdata"
	"github.com/tickerwatch/screener-service/internal/ratelimit"
	"github.com/tickerwatch/screener-service/internal/scheduler"
	"github.com/tickerwatch/screener-service/internal/screener"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}

	cfg := config.Load()
	logger.Info("screener service starting")

	location, err := time.LoadLocation(cfg.Screener.Timezone)
	if err != nil {
		logger.WithError(err).Fatal("invalid market timezone")
	}

	// Database
	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "db/migrations"
	}
	if err := db.MigrateUp(migrationsPath); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}
	logger.Info("database ready")

	health := database.NewTickerHealth(db, cfg.Health.FailureThreshold, cfg.Health.RetryInterval)

	// Redis result cache
	results := cache.NewResultStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 0)
	defer results.Close()
	if err := results.Ping(context.Background()); err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}

	// Kafka producer
	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()

	// Market data pipeline
	limiter := ratelimit.New(cfg.Provider.MaxRequests, cfg.Provider.RatePeriod)
	provider := marketdata.NewTWSEClient(cfg.Provider.HistoryURL, cfg.Provider.RealtimeURL, cfg.Provider.IndexURL, cfg.Provider.RequestTimeout, logger)
	universe := marketdata.NewUniverse(provider, limiter, cfg.Screener.Symbols, cfg.Provider.UniverseSize, cfg.Provider.UniverseMaxAge, logger)
	engine := marketdata.NewEngine(provider, db, health, limiter, marketdata.EngineConfig{
		MinHistoryDays:      cfg.Screener.MinHistoryDays,
		BackfillMonths:      cfg.Provider.BackfillMonths,
		BatchSize:           cfg.Provider.BatchSize,
		RetryCount:          cfg.Provider.RetryCount,
		RetryDelay:          cfg.Provider.RetryDelay,
		MAWindows:           cfg.Screener.MAWindows,
		SystemicFailureRate: cfg.Health.SystemicFailureRate,
		Location:            location,
	}, logger)

	scr := screener.New(screener.Config{
		MAWindows:      cfg.Screener.MAWindows,
		MinHistoryDays: cfg.Screener.MinHistoryDays,
		VolumeWindow:   cfg.Screener.VolumeWindow,
		RRMultiple:     cfg.Screener.RiskRewardMultiple,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scheduler
	sched := scheduler.New(ctx, engine, scr, health, producer, results, scheduler.Config{
		Universe:       universe,
		UpdateInterval: cfg.Screener.UpdateInterval,
		MarketOpen:     cfg.Screener.MarketOpen,
		MarketClose:    cfg.Screener.MarketClose,
		Location:       location,
		Policy: screener.Policy{
			MinPrice:            cfg.Screener.MinPrice,
			MaxPrice:            cfg.Screener.MaxPrice,
			MinAvgVolume:        cfg.Screener.MinAvgVolume,
			MinRiskReward:       cfg.Screener.MinRiskReward,
			VolumeBreakoutRatio: cfg.Screener.VolumeBreakoutRatio,
		},
	}, logger)
	if err := sched.Register(); err != nil {
		logger.WithError(err).Fatal("failed to register scheduled tasks")
	}
	sched.Start()
	defer sched.Stop()

	if os.Getenv("RUN_ON_START") == "true" {
		logger.Info("RUN_ON_START enabled, triggering first cycle")
		sched.TriggerRefresh()
	}

	// HTTP API
	handler := api.NewHandler(results, health, sched, logger)
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      api.SetupRoutes(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	logger.Info("screener service stopped")
}
