package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/hirechat/internal/api"
	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/config"
	"github.com/observer/hirechat/internal/database"
	"github.com/observer/hirechat/internal/middleware"
	"github.com/observer/hirechat/internal/pubsub"
	"github.com/observer/hirechat/internal/realtime"
	"github.com/observer/hirechat/internal/receipts"
	"github.com/observer/hirechat/internal/server"
	"github.com/observer/hirechat/internal/storage"
	"github.com/observer/hirechat/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// Create context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Broker: in-memory for a single instance, Redis when scaled out
	var ps pubsub.PubSub
	switch cfg.PubSubType {
	case "redis":
		redisPS, err := pubsub.NewRedisPubSub(ctx, cfg.RedisURL, pubsub.WithRedisLogger(logger))
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		ps = redisPS
		slog.Info("using redis pubsub")
	default:
		ps = pubsub.NewMemoryPubSub()
		slog.Info("using in-memory pubsub")
	}
	defer ps.Close()

	tokenService, err := auth.NewTokenService(cfg.JWTSigningKey, cfg.TokenKeyName, cfg.TokenTTL)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	checks := map[string]server.Pinger{"broker": ps}

	// Database is optional: without it receipts and upload records are not kept
	var attachments api.AttachmentStore
	var receiptHandler *api.ReceiptHandler
	var consumer *receipts.Consumer
	if cfg.ReceiptsEnabled() {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("connected to database")

		if err := database.EnsureSchema(ctx, db, "migrations", logger); err != nil {
			slog.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		checks["database"] = server.PingFunc(db.Health)
		attachments = database.NewAttachmentRepository(db.Pool)

		receiptRepo := database.NewReceiptRepository(db.Pool)
		receiptHandler = api.NewReceiptHandler(receiptRepo, logger)

		consumer = receipts.NewConsumer(ps, receiptRepo, logger)
		if err := consumer.Start(context.Background()); err != nil {
			slog.Error("failed to start receipts consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Stop()
	} else {
		slog.Warn("DATABASE_URL not set - read receipts are not persisted")
	}

	// R2 storage (optional - skip if not configured)
	var uploadHandler *api.UploadHandler
	if cfg.StorageEnabled() {
		r2Storage, err := storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2Bucket,
			Endpoint:        cfg.R2Endpoint,
			PublicURL:       cfg.R2PublicURL,
		})
		if err != nil {
			slog.Error("failed to initialize R2 storage", "error", err)
			os.Exit(1)
		}
		uploadHandler = api.NewUploadHandler(attachments, r2Storage, cfg.MaxUploadBytes, logger)
		slog.Info("R2 storage initialized", "bucket", cfg.R2Bucket)
	} else {
		slog.Warn("R2 storage not configured - file uploads disabled")
	}

	// WebSocket hub bridging gateway clients to the broker
	brokerDialer := realtime.NewBrokerDialer(ps, tokenService, realtime.WithLogger(logger))
	wsHub := websocket.NewHub(brokerDialer, tokenService, websocket.HubConfig{
		PublishesPerMin: cfg.PublishRatePerMin,
		RetryTimeout:    cfg.ReconnectBackoff,
	}, logger)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go wsHub.Run(runCtx)

	tokenLimiter := middleware.NewRateLimiter("token", 30)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				tokenLimiter.Cleanup()
			}
		}
	}()

	srv := server.New(cfg, &server.Dependencies{
		Tokens:          tokenService,
		TokenHandler:    api.NewTokenHandler(tokenService, logger),
		UploadHandler:   uploadHandler,
		ReceiptHandler:  receiptHandler,
		PresenceHandler: api.NewPresenceHandler(wsHub),
		WSHandler:       websocket.NewHandler(wsHub, logger, cfg.AllowedOrigins...),
		TokenLimiter:    tokenLimiter,
		Checks:          checks,
		Logger:          logger,
	})

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting gateway", "addr", cfg.GatewayAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("gateway stopped")
}
