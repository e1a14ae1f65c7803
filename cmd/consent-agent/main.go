package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/broadcast"
	"Mansoor88-6/consent-analytics-agent/internal/client"
	"Mansoor88-6/consent-analytics-agent/internal/config"
	"Mansoor88-6/consent-analytics-agent/internal/connectivity"
	"Mansoor88-6/consent-analytics-agent/internal/consentsync"
	"Mansoor88-6/consent-analytics-agent/internal/database"
	"Mansoor88-6/consent-analytics-agent/internal/identity"
	"Mansoor88-6/consent-analytics-agent/internal/logger"
	"Mansoor88-6/consent-analytics-agent/internal/metrics"
	"Mansoor88-6/consent-analytics-agent/internal/models"
	"Mansoor88-6/consent-analytics-agent/internal/queue"
	"Mansoor88-6/consent-analytics-agent/internal/server"
	"Mansoor88-6/consent-analytics-agent/internal/service"
	"Mansoor88-6/consent-analytics-agent/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting consent analytics agent",
		zap.String("env", cfg.Env),
		zap.String("version", version),
		zap.String("config_path", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys := storage.NewKeys(cfg.Storage.Namespace)
	tabID := identity.NewTabID()

	// Storage backend and cross-tab channel
	store, channel, closeBackend, err := openBackend(cfg, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer closeBackend()

	observed := storage.NewObservedStorage(store, channel, tabID, log.Logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize API client
	apiClient := client.NewAPIClient(
		cfg.Backend.BaseURL,
		cfg.Backend.APIKey,
		config.Seconds(cfg.Backend.Timeout),
		log.Logger,
	)

	var uploader client.Uploader = apiClient
	if cfg.Transport.Type == "sqs" {
		sqsUploader, err := client.NewSQSUploaderFromEnv(ctx, cfg.Transport.SQSRegion, cfg.Transport.SQSQueueURL, log.Logger)
		if err != nil {
			log.Fatal("Failed to initialize SQS uploader", zap.Error(err))
		}
		uploader = sqsUploader
	}

	detector := connectivity.NewHealthDetector(apiClient, config.Seconds(cfg.Connectivity.HealthInterval), log.Logger)

	synchronizer := consentsync.New(ctx, consentsync.Config{
		MaxHistoryEntries: cfg.Consent.MaxHistoryEntries,
		SyncInterval:      config.Seconds(cfg.Consent.SyncInterval),
		CrossTab:          !cfg.Consent.DisableCrossTab,
		Resolution:        models.ConflictResolution(cfg.Consent.Resolution),
		Keys:              keys,
		UserAgent:         cfg.Client.UserAgent,
	}, observed, channel, log.Logger,
		consentsync.WithTabID(tabID),
		consentsync.WithMetrics(m),
	)

	eventQueue := queue.New(ctx, queue.Config{
		MaxQueueSize:    cfg.Queue.MaxQueueSize,
		MaxBatchSize:    cfg.Queue.MaxBatchSize,
		FlushInterval:   config.Seconds(cfg.Queue.FlushInterval),
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryBackoff:    config.Seconds(cfg.Queue.RetryBackoff),
		MaxRetryBackoff: config.Seconds(cfg.Queue.MaxRetryBackoff),
		StorageKey:      keys.Queue,
		ConsentKey:      keys.Consent,
	}, observed, detector, uploader, log.Logger,
		// consent reaches the queue resolved, through the analytics service
		queue.WithMetrics(m),
		queue.WithInitialConsent(synchronizer.GetConsent()),
	)

	pages := service.NewPageStore(config.Seconds(cfg.Server.PageContextTTL), log.Logger)

	analytics := service.NewAnalyticsService(ctx, service.Config{
		UserAgent:      cfg.Client.UserAgent,
		Locale:         cfg.Client.Locale,
		LibraryVersion: version,
		AnonymousIDKey: keys.AnonymousID,
	}, synchronizer, eventQueue, detector, observed, pages, log.Logger)

	// Control server for local tooling and the browser extension
	var httpServer *http.Server
	if cfg.Server.Enabled {
		controlServer := server.NewControlServer(analytics, registry, cfg.Server.AllowedOrigins, log.Logger)

		addr := fmt.Sprintf("localhost:%d", cfg.Server.Port)
		httpServer = &http.Server{
			Addr:         addr,
			Handler:      controlServer.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info("Starting control server", zap.String("address", addr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Control server error", zap.Error(err))
			}
		}()
	} else {
		log.Info("Control server disabled in configuration")
	}

	log.Info("Consent analytics agent started successfully",
		zap.String("tab_id", tabID),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("transport", cfg.Transport.Type),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Control server shutdown error", zap.Error(err))
		} else {
			log.Info("Control server stopped")
		}
		shutdownCancel()
	}
	pages.Stop()

	// Last delivery attempt before the queue stops
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := eventQueue.Flush(flushCtx); err != nil {
		log.Warn("Final flush failed, events remain queued", zap.Error(err))
	}
	flushCancel()

	done := make(chan struct{})
	go func() {
		eventQueue.Destroy()
		synchronizer.Destroy()
		detector.Destroy()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Consent analytics agent stopped")
	case <-time.After(3 * time.Second):
		log.Warn("Shutdown timeout reached, forcing exit")
	}
}

// openBackend opens the configured storage and the channel tabs share.
// Redis carries both; every other backend pairs with an in-process hub.
func openBackend(cfg *config.Config, logger *zap.Logger) (storage.Storage, broadcast.Channel, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		channel := broadcast.NewRedisChannel(rdb, cfg.Storage.Namespace, logger)
		return storage.NewRedisStorage(rdb), channel, func() {
			if err := channel.Close(); err != nil {
				logger.Error("Failed to close redis channel", zap.Error(err))
			}
			if err := rdb.Close(); err != nil {
				logger.Error("Failed to close redis client", zap.Error(err))
			}
		}, nil

	case "bolt":
		bolt, err := storage.NewBoltStorage(cfg.Storage.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		hub := broadcast.NewHub(logger)
		return bolt, hub, func() {
			_ = hub.Close()
			if err := bolt.Close(); err != nil {
				logger.Error("Failed to close bolt storage", zap.Error(err))
			}
		}, nil

	case "memory":
		hub := broadcast.NewHub(logger)
		return storage.NewMemoryStorage(), hub, func() { _ = hub.Close() }, nil

	default:
		db, err := database.New(cfg.Storage.Path, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		hub := broadcast.NewHub(logger)
		return storage.NewSQLiteStorage(db.DB), hub, func() {
			_ = hub.Close()
			if err := db.Close(); err != nil {
				logger.Error("Failed to close database", zap.Error(err))
			}
		}, nil
	}
}
