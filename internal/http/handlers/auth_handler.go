package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/auth"
	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/http/dto"
)

const nonceTTL = 5 * time.Minute

type AuthHandler struct {
	rdb *redis.Client
	cfg *config.Config
	log *zap.Logger
}

func NewAuthHandler(rdb *redis.Client, cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{rdb: rdb, cfg: cfg, log: log}
}

func nonceKey(wallet string) string {
	return fmt.Sprintf("auth:nonce:%s", strings.ToLower(wallet))
}

// Nonce issues a one-time nonce the wallet must sign to authenticate.
func (h *AuthHandler) Nonce(c *fiber.Ctx) error {
	var req dto.AuthNonceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.WalletAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "wallet_address is required"})
	}

	nonce := uuid.New().String()
	if err := h.rdb.Set(c.Context(), nonceKey(req.WalletAddress), nonce, nonceTTL).Err(); err != nil {
		h.log.Error("failed to store auth nonce", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	return c.JSON(dto.AuthNonceResponse{
		Nonce:   nonce,
		Message: auth.AuthMessage(nonce),
	})
}

// Verify checks the signed nonce and issues a JWT for the wallet.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	var req dto.AuthVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.WalletAddress == "" || req.Nonce == "" || req.Signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "wallet_address, nonce and signature are required"})
	}

	stored, err := h.rdb.GetDel(c.Context(), nonceKey(req.WalletAddress)).Result()
	if err != nil || stored != req.Nonce {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unknown or expired nonce"})
	}

	if err := auth.VerifyWalletSignature(req.WalletAddress, auth.AuthMessage(req.Nonce), req.Signature); err != nil {
		h.log.Debug("wallet signature rejected", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, strings.ToLower(req.WalletAddress), h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	return c.JSON(dto.AuthResponse{
		Token:         token,
		WalletAddress: strings.ToLower(req.WalletAddress),
	})
}
