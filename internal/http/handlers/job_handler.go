package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/http/dto"
	"github.com/jobforge/backend/internal/middleware"
	"github.com/jobforge/backend/internal/rbac"
	"github.com/jobforge/backend/internal/services"
)

type JobHandler struct {
	jobService *services.JobService
	log        *zap.Logger
}

func NewJobHandler(jobService *services.JobService, log *zap.Logger) *JobHandler {
	return &JobHandler{jobService: jobService, log: log}
}

func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var req dto.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount"})
	}

	employer := middleware.GetWalletAddress(c)
	if !rbac.HasPermission(rbac.RoleEmployer, rbac.PermCreateJob) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "operation not permitted"})
	}
	job, err := h.jobService.CreateJob(c.Context(), employer, req.Title, req.Description, amount, req.Deadline)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: job})
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid job id"})
	}

	job, err := h.jobService.GetJob(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "job not found"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: job})
}

func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	employer := middleware.GetWalletAddress(c)

	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	jobs, err := h.jobService.ListByEmployer(c.Context(), employer, limit, offset)
	if err != nil {
		h.log.Error("list jobs failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: jobs})
}

func (h *JobHandler) SubmitDeliverable(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid job id"})
	}

	var req dto.SubmitDeliverableRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "url is required"})
	}

	worker := middleware.GetWalletAddress(c)
	if !rbac.HasPermission(rbac.RoleWorker, rbac.PermSubmitDeliverable) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "operation not permitted"})
	}
	if err := h.jobService.SubmitDeliverable(c.Context(), id, worker, req.URL); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.SuccessResponse{OK: true})
}
