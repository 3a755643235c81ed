package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/chain"
	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/db"
	"github.com/jobforge/backend/internal/escrow"
	"github.com/jobforge/backend/internal/events"
	apphttp "github.com/jobforge/backend/internal/http"
	"github.com/jobforge/backend/internal/http/handlers"
	"github.com/jobforge/backend/internal/repositories"
	"github.com/jobforge/backend/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	jobRepo := repositories.NewJobRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	txRepo := repositories.NewTransactionRepo(pool)
	ledger := repositories.NewLedger(jobRepo, escrowRepo, txRepo)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Chain
	signer := services.NewSignerClient(cfg.SignerInternalURL, log)
	chainClient, err := chain.NewEVMClient(ctx, cfg, signer, log)
	if err != nil {
		log.Fatal("failed to connect to chain rpc", zap.Error(err))
	}

	// Services
	jobService := services.NewJobService(jobRepo, publisher, cfg, log)
	queryService := services.NewQueryService(jobRepo, escrowRepo, txRepo, cfg, log)
	coordinator := escrow.NewCoordinator(ledger, chainClient, publisher, cfg, log)
	releaseCoordinator := escrow.NewReleaseCoordinator(ledger, chainClient, publisher, cfg, log)

	// Handlers
	authHandler := handlers.NewAuthHandler(rdb, cfg, log)
	jobHandler := handlers.NewJobHandler(jobService, log)
	escrowHandler := handlers.NewEscrowHandler(jobService, coordinator, releaseCoordinator, cfg, log)
	queryHandler := handlers.NewQueryHandler(queryService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, jobHandler, escrowHandler, queryHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
