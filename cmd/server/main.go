// Package main is the entry point for the dispatch API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mishloha/dispatch/internal/breaker"
	"github.com/mishloha/dispatch/internal/chatio"
	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/conversation"
	"github.com/mishloha/dispatch/internal/correlation"
	"github.com/mishloha/dispatch/internal/database"
	"github.com/mishloha/dispatch/internal/handler"
	"github.com/mishloha/dispatch/internal/intake"
	"github.com/mishloha/dispatch/internal/middleware"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/service"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(correlation.NewHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting dispatch API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	pool := db.Pool()

	// Repositories
	userRepo := repository.NewUserRepository(pool)
	deliveryRepo := repository.NewDeliveryRepository(pool)
	walletRepo := repository.NewWalletRepository(pool)
	stationRepo := repository.NewStationRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)
	eventRepo := repository.NewWebhookEventRepository(pool)

	// External adapters, one breaker per upstream service
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	callbacks := chatio.NewCallbackStore(redis)
	webchat := chatio.NewWebChat(cfg.Chat, breakers.Get(breaker.ServiceWebChat), logger)

	// Services
	walletSvc := service.NewWalletService(pool, walletRepo)
	deliverySvc := service.NewDeliveryService(
		pool, deliveryRepo, walletSvc, stationRepo, outboxRepo, userRepo,
		cfg.Outbox.MaxRetries, logger)
	stationSvc := service.NewStationService(
		pool, stationRepo, walletRepo, walletSvc, userRepo, logger)
	authSvc := service.NewAuthService(cfg.Auth, redis, userRepo, stationRepo, logger)
	notifySvc := service.NewNotifyService(pool, userRepo, outboxRepo, cfg.Outbox.MaxRetries, logger)

	engine := conversation.NewEngine(sessionRepo, conversation.Deps{
		Users:      userRepo,
		Deliveries: deliverySvc,
		Wallets:    walletSvc,
		Stations:   stationSvc,
		Notify:     notifySvc,
		Logger:     logger,
	}, logger)

	intakeSvc := intake.NewService(
		pool, eventRepo, userRepo, outboxRepo, engine, callbacks,
		cfg.Outbox.MaxRetries, logger)

	// Handlers
	webhookHandler := handler.NewWebhookHandler(intakeSvc, cfg.Chat.WebhookVerifyToken, logger)
	authHandler := handler.NewAuthHandler(authSvc)
	panelHandler := handler.NewPanelHandler(stationSvc, walletSvc)
	debugHandler := handler.NewDebugHandler(breakers, outboxRepo, engine, logger)
	healthHandler := handler.NewHealthHandler(pool, redis, webchat)

	r := chi.NewRouter()
	r.Use(middleware.Correlation)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Mount("/health", healthHandler.Routes())
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/webhook", webhookHandler.Routes())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		r.Mount("/auth", authHandler.Routes())
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(authSvc))
		r.Mount("/panel", panelHandler.Routes())
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminKey(cfg.Auth.AdminAPIKey))
		r.Mount("/debug", debugHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}
