package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/escrow"
	"github.com/jobforge/backend/internal/http/dto"
	"github.com/jobforge/backend/internal/middleware"
	"github.com/jobforge/backend/internal/models"
	"github.com/jobforge/backend/internal/rbac"
	"github.com/jobforge/backend/internal/services"
)

// EscrowHandler accepts escrow commands. The on-chain flows run for minutes,
// so commands are acknowledged with 202 and run to completion in the
// background; progress is observable via the funding-status endpoint.
type EscrowHandler struct {
	jobService  *services.JobService
	coordinator *escrow.Coordinator
	release     *escrow.ReleaseCoordinator
	cfg         *config.Config
	log         *zap.Logger
}

func NewEscrowHandler(
	jobService *services.JobService,
	coordinator *escrow.Coordinator,
	release *escrow.ReleaseCoordinator,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowHandler {
	return &EscrowHandler{
		jobService:  jobService,
		coordinator: coordinator,
		release:     release,
		cfg:         cfg,
		log:         log,
	}
}

// ownJob resolves the job and checks that the caller is its employer and that
// the employer role carries the requested permission.
func (h *EscrowHandler) ownJob(c *fiber.Ctx, perm string) (*models.Job, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid job id"})
	}
	job, err := h.jobService.GetJob(c.Context(), id)
	if err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "job not found"})
	}
	wallet := middleware.GetWalletAddress(c)
	if !strings.EqualFold(job.EmployerAddress, wallet) {
		return nil, c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "only the employer can manage this escrow"})
	}
	if !rbac.HasPermission(rbac.RoleEmployer, perm) {
		return nil, c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "operation not permitted"})
	}
	if rbac.IsFinancialOperation(perm) {
		// движение средств всегда оставляет след в логе
		h.log.Info("financial operation requested",
			zap.String("job_id", job.ID.String()),
			zap.String("wallet", wallet),
			zap.String("operation", perm))
	}
	return job, nil
}

// StartEscrow kicks off the create-and-fund flow for an unfunded job.
func (h *EscrowHandler) StartEscrow(c *fiber.Ctx) error {
	job, err := h.ownJob(c, rbac.PermFundEscrow)
	if job == nil {
		return err
	}

	var req dto.StartEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.WorkerAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "worker_address is required"})
	}

	if job.EscrowStatus != models.EscrowStatusUnfunded && job.EscrowStatus != models.EscrowStatusCreated {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "escrow already started for this job"})
	}

	jobID := job.ID
	worker := req.WorkerAddress
	amount := job.Amount
	deadline := job.Deadline
	go func() {
		// запрос давно завершён, поток живёт своим контекстом
		_, err := h.coordinator.CreateAndFund(context.Background(), jobID, worker, amount, h.cfg.PlatformFeeBPS, deadline)
		if err != nil && !errors.Is(err, escrow.ErrTxInFlight) {
			h.log.Error("create-and-fund failed",
				zap.String("job_id", jobID.String()),
				zap.Error(err))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(dto.EscrowAcceptedResponse{
		JobID:  jobID.String(),
		Status: "accepted",
	})
}

// RetryFunding resumes funding for a job stuck in created.
func (h *EscrowHandler) RetryFunding(c *fiber.Ctx) error {
	job, err := h.ownJob(c, rbac.PermFundEscrow)
	if job == nil {
		return err
	}

	if job.EscrowStatus != models.EscrowStatusCreated {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "job is not awaiting funding"})
	}

	jobID := job.ID
	go func() {
		if _, err := h.coordinator.RetryFunding(context.Background(), jobID); err != nil && !errors.Is(err, escrow.ErrTxInFlight) {
			h.log.Error("retry funding failed",
				zap.String("job_id", jobID.String()),
				zap.Error(err))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(dto.EscrowAcceptedResponse{
		JobID:  jobID.String(),
		Status: "accepted",
	})
}

// Release pays the escrowed funds out to the worker.
func (h *EscrowHandler) Release(c *fiber.Ctx) error {
	return h.settle(c, models.TxTypeEscrowRelease, rbac.PermReleaseFunds)
}

// Refund returns the escrowed funds to the employer.
func (h *EscrowHandler) Refund(c *fiber.Ctx) error {
	return h.settle(c, models.TxTypeEscrowRefund, rbac.PermRefundEscrow)
}

func (h *EscrowHandler) settle(c *fiber.Ctx, txType, perm string) error {
	job, err := h.ownJob(c, perm)
	if job == nil {
		return err
	}

	if job.EscrowStatus != models.EscrowStatusFunded {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "escrow is not funded"})
	}

	jobID := job.ID
	go func() {
		var err error
		if txType == models.TxTypeEscrowRelease {
			_, err = h.release.Release(context.Background(), jobID)
		} else {
			_, err = h.release.Refund(context.Background(), jobID)
		}
		if err != nil && !errors.Is(err, escrow.ErrTxInFlight) {
			h.log.Error("settle failed",
				zap.String("job_id", jobID.String()),
				zap.String("tx_type", txType),
				zap.Error(err))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(dto.EscrowAcceptedResponse{
		JobID:  jobID.String(),
		Status: "accepted",
	})
}
