package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/http/handlers"
	"github.com/jobforge/backend/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	jobHandler *handlers.JobHandler,
	escrowHandler *handlers.EscrowHandler,
	queryHandler *handlers.QueryHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/nonce", authHandler.Nonce)
	api.Post("/auth/verify", authHandler.Verify)

	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Jobs
	protected.Post("/jobs", jobHandler.CreateJob)
	protected.Get("/jobs", jobHandler.ListJobs)
	protected.Get("/jobs/:id", jobHandler.GetJob)
	protected.Post("/jobs/:id/deliverable", jobHandler.SubmitDeliverable)

	// Escrow lifecycle
	protected.Post("/jobs/:id/escrow", escrowHandler.StartEscrow)
	protected.Post("/jobs/:id/escrow/retry", escrowHandler.RetryFunding)
	protected.Post("/jobs/:id/escrow/release", escrowHandler.Release)
	protected.Post("/jobs/:id/escrow/refund", escrowHandler.Refund)

	// Read side
	protected.Get("/jobs/:id/funding-status", queryHandler.GetFundingStatus)
	protected.Get("/transactions", queryHandler.ListTransactions)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
