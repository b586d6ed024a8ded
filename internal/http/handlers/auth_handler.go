package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/http/dto"
	"github.com/title-market/backend/internal/services"
	"github.com/title-market/backend/internal/ton"
)

type AuthHandler struct {
	authService *services.AuthService
	log         *zap.Logger
}

func NewAuthHandler(authService *services.AuthService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

// GeneratePayload returns a nonce for the wallet to sign.
func (h *AuthHandler) GeneratePayload(c *fiber.Ctx) error {
	p, err := h.authService.GeneratePayload(c.UserContext())
	if err != nil {
		h.log.Error("failed to generate proof payload", zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *AuthHandler) TonProofLogin(c *fiber.Ctx) error {
	var req ton.ProofData
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Address == "" || req.PublicKey == "" || req.Proof.Payload == "" {
		return badRequest(c, "address, public_key and proof are required")
	}

	res, err := h.authService.Login(c.UserContext(), req)
	if err != nil {
		h.log.Debug("ton proof login failed", zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}
