package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"feedbridge/internal/config"
	"feedbridge/internal/dispatch"
	"feedbridge/internal/fetcher"
	"feedbridge/internal/hub"
	"feedbridge/internal/metadata"
	"feedbridge/internal/metrics"
	"feedbridge/internal/poller"
	"feedbridge/internal/process"
	"feedbridge/internal/publish"
	"feedbridge/internal/queue"
	"feedbridge/internal/service"
	"feedbridge/internal/socialapi"
	"feedbridge/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	rabbitMQ, err := queue.NewRabbitMQ(queue.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbitMQ.Close()

	collector := metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)

	feedStore := postgres.NewFeedStore(db)
	entryStore := postgres.NewEntryStore(db)
	accountStore := postgres.NewAccountStore(db)
	txManager := postgres.NewTransactionManager(db)

	feedFetcher := fetcher.New(fetcher.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBodySize:  cfg.Fetch.MaxBodySize,
		UserAgent:    cfg.Fetch.UserAgent,
	}, logger)

	prober := metadata.NewProber(cfg.Fetch.ProbeTimeout, cfg.Fetch.UserAgent, logger)

	processor := process.New(entryStore, prober, logger, process.Config{
		FullHydrations: cfg.Publish.FullHydrations,
	})

	publisher := publish.New(entryStore, feedStore, txManager, rabbitMQ, logger, publish.Config{
		Defaults: publish.Defaults{
			SchedulePeriod:      cfg.Publish.SchedulePeriod,
			MaxStoriesPerPeriod: cfg.Publish.MaxStoriesPerPeriod,
		},
		DrainPageSize: cfg.Publish.DrainPageSize,
	})

	hubSubscriber := hub.NewSubscriber(hub.SubscriberConfig{
		CallbackBaseURL: cfg.Hub.CallbackBaseURL,
		Timeout:         cfg.Fetch.Timeout,
	}, logger)

	feedService := service.NewFeedService(
		feedFetcher,
		processor,
		publisher,
		feedStore,
		entryStore,
		hubSubscriber,
		collector,
		logger,
		service.Config{DrainThreshold: cfg.Publish.DrainThreshold},
	)

	apiClient := socialapi.NewClient(socialapi.Config{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.API.Timeout,
		RatePerSecond: cfg.API.RatePerSecond,
	}, logger)

	tokenCache := dispatch.NewTokenCache(accountStore, cfg.API.TokenCache.Size, cfg.API.TokenCache.TTL)

	worker := dispatch.NewWorker(
		rabbitMQ,
		apiClient,
		entryStore,
		feedStore,
		tokenCache,
		collector,
		logger,
		dispatch.Config{
			MaxAttempts:    cfg.API.Retry.MaxAttempts,
			InitialBackoff: cfg.API.Retry.InitialBackoff,
			MaxBackoff:     cfg.API.Retry.MaxBackoff,
		},
	)

	feedPoller := poller.New(feedStore, feedService, logger, poller.Config{
		Interval:    cfg.Poll.Interval,
		Concurrency: cfg.Poll.Concurrency,
		BatchSize:   cfg.Poll.BatchSize,
	})

	hubHandler := hub.NewHandler(feedStore, feedService, logger)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           hub.NewRouter(hubHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		logger.Info("webhook server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch worker error", "error", err)
			cancel()
		}
	}()

	logger.Info("starting feedbridge",
		"poll_interval", cfg.Poll.Interval,
		"concurrency", cfg.Poll.Concurrency,
	)

	if err := feedPoller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("poller error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("webhook server shutdown", "error", err)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
