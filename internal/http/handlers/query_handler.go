package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/http/dto"
	"github.com/jobforge/backend/internal/middleware"
	"github.com/jobforge/backend/internal/services"
)

type QueryHandler struct {
	queryService *services.QueryService
	log          *zap.Logger
}

func NewQueryHandler(queryService *services.QueryService, log *zap.Logger) *QueryHandler {
	return &QueryHandler{queryService: queryService, log: log}
}

func (h *QueryHandler) GetFundingStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid job id"})
	}

	fs, err := h.queryService.GetJobFundingStatus(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "job not found"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: fs})
}

func (h *QueryHandler) ListTransactions(c *fiber.Ctx) error {
	wallet := middleware.GetWalletAddress(c)

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

	txs, err := h.queryService.ListTransactions(c.Context(), wallet, limit, offset)
	if err != nil {
		h.log.Error("list transactions failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: txs})
}
