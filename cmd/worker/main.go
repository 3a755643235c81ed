package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/chain"
	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/db"
	"github.com/jobforge/backend/internal/escrow"
	"github.com/jobforge/backend/internal/events"
	"github.com/jobforge/backend/internal/repositories"
	"github.com/jobforge/backend/internal/services"
	"github.com/jobforge/backend/internal/verify"
)

// reconcileLockTTL keeps two workers from reconciling the same transaction
// at the same time.
const reconcileLockTTL = 2 * time.Minute

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	jobRepo := repositories.NewJobRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	txRepo := repositories.NewTransactionRepo(pool)
	ledger := repositories.NewLedger(jobRepo, escrowRepo, txRepo)

	// Chain + coordinators
	publisher := events.NewRedisPublisher(rdb, log)
	signer := services.NewSignerClient(cfg.SignerInternalURL, log)
	chainClient, err := chain.NewEVMClient(ctx, cfg, signer, log)
	if err != nil {
		log.Fatal("failed to connect to chain rpc", zap.Error(err))
	}
	coordinator := escrow.NewCoordinator(ledger, chainClient, publisher, cfg, log)
	releaseCoordinator := escrow.NewReleaseCoordinator(ledger, chainClient, publisher, cfg, log)
	checker := verify.NewChecker(time.Duration(cfg.VerifyFetchTimeoutMS)*time.Millisecond, cfg.VerifyMaxRetries, log)

	// Health endpoint
	health := fiber.New()
	health.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	go func() {
		if err := health.Listen(fmt.Sprintf(":%s", cfg.WorkerPort)); err != nil {
			log.Error("health server error", zap.Error(err))
		}
	}()

	log.Info("worker started")

	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	stuckTicker := time.NewTicker(cfg.StuckFundingInterval)
	releaseTicker := time.NewTicker(1 * time.Minute)
	defer reconcileTicker.Stop()
	defer stuckTicker.Stop()
	defer releaseTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-reconcileTicker.C:
			runReconcile(ctx, txRepo, coordinator, rdb, cfg, log)
		case <-stuckTicker.C:
			runStuckFunding(ctx, jobRepo, coordinator, cfg, log)
		case <-releaseTicker.C:
			runAutoRelease(ctx, jobRepo, checker, releaseCoordinator, cfg, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			_ = health.Shutdown()
			return
		case <-ctx.Done():
			_ = health.Shutdown()
			return
		}
	}
}

// runReconcile rolls forward or fails transactions that stayed pending past
// the confirmation window, typically after a crash mid-flow.
func runReconcile(ctx context.Context, txRepo *repositories.TransactionRepo, coordinator *escrow.Coordinator, rdb *redis.Client, cfg *config.Config, log *zap.Logger) {
	pending, err := txRepo.ListPendingOlderThan(ctx, cfg.ConfirmTimeout, 50)
	if err != nil {
		log.Error("failed to list pending transactions", zap.Error(err))
		return
	}

	for i := range pending {
		tx := &pending[i]

		lockKey := fmt.Sprintf("reconcile:%s", tx.ID)
		ok, err := rdb.SetNX(ctx, lockKey, "1", reconcileLockTTL).Result()
		if err != nil || !ok {
			continue
		}

		log.Info("reconciling pending transaction",
			zap.String("tx_id", tx.ID.String()),
			zap.String("tx_type", tx.TxType),
		)
		if err := coordinator.ReconcilePending(ctx, tx); err != nil {
			log.Error("reconcile failed",
				zap.String("tx_id", tx.ID.String()),
				zap.Error(err))
		}
	}
}

// runStuckFunding resumes jobs whose escrow was created on-chain but never
// funded, picking up where the crashed flow left off.
func runStuckFunding(ctx context.Context, jobRepo *repositories.JobRepo, coordinator *escrow.Coordinator, cfg *config.Config, log *zap.Logger) {
	jobs, err := jobRepo.ListStuckInCreated(ctx, cfg.StuckFundingAge, 20)
	if err != nil {
		log.Error("failed to list stuck jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		log.Info("resuming funding for stuck job", zap.String("job_id", job.ID.String()))
		if _, err := coordinator.RetryFunding(ctx, job.ID); err != nil {
			log.Warn("retry funding failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		}
	}
}

// runAutoRelease pays out funded jobs whose deliverable survived the hold
// period and still resolves to a real page.
func runAutoRelease(ctx context.Context, jobRepo *repositories.JobRepo, checker *verify.Checker, releaseCoordinator *escrow.ReleaseCoordinator, cfg *config.Config, log *zap.Logger) {
	hold := time.Duration(cfg.HoldPeriodSeconds) * time.Second
	jobs, err := jobRepo.ListReleasable(ctx, hold, 20)
	if err != nil {
		log.Error("failed to list releasable jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if job.DeliverableURL == nil {
			continue
		}

		res, err := checker.Check(ctx, *job.DeliverableURL)
		if err != nil {
			log.Warn("deliverable check failed, holding release",
				zap.String("job_id", job.ID.String()),
				zap.String("url", *job.DeliverableURL),
				zap.Error(err))
			continue
		}

		log.Info("releasing funds",
			zap.String("job_id", job.ID.String()),
			zap.String("deliverable_title", res.Title))
		if _, err := releaseCoordinator.Release(ctx, job.ID); err != nil {
			log.Error("release failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		}

		time.Sleep(1 * time.Second) // rate limiting
	}
}
