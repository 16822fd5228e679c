// Package main is the entry point for the outbox worker process. It runs
// separately from the API server with its own connection pool.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mishloha/dispatch/internal/breaker"
	"github.com/mishloha/dispatch/internal/chatio"
	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/correlation"
	"github.com/mishloha/dispatch/internal/database"
	"github.com/mishloha/dispatch/internal/outbox"
	"github.com/mishloha/dispatch/internal/repository"
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

	logger.Info("Starting outbox worker",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("workers", cfg.Outbox.Workers),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	pool := db.Pool()
	outboxRepo := repository.NewOutboxRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	stationRepo := repository.NewStationRepository(pool)

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	callbacks := chatio.NewCallbackStore(redis)
	bot := chatio.NewBotAPI(cfg.Chat, breakers.Get(breaker.ServiceBotAPI), callbacks, logger)
	webchat := chatio.NewWebChat(cfg.Chat, breakers.Get(breaker.ServiceWebChat), logger)

	worker := outbox.New(cfg.Outbox, outboxRepo, userRepo, stationRepo, bot, webchat, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Run(ctx)
	logger.Info("Worker stopped gracefully")
}
