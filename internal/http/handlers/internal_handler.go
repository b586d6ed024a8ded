package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/http/dto"
	"github.com/title-market/backend/internal/services"
)

// PayloadPurger removes spent login nonces.
type PayloadPurger interface {
	DeleteExpiredPayloads(ctx context.Context) (int64, error)
}

// InternalHandler serves the worker.
type InternalHandler struct {
	market *services.MarketService
	purger PayloadPurger
	log    *zap.Logger
}

func NewInternalHandler(market *services.MarketService, purger PayloadPurger, log *zap.Logger) *InternalHandler {
	return &InternalHandler{market: market, purger: purger, log: log}
}

func (h *InternalHandler) Sweep(c *fiber.Ctx) error {
	n, err := h.market.SweepExpired(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: services.SweepResult{Expired: n}})
}

func (h *InternalHandler) PurgeProofPayloads(c *fiber.Ctx) error {
	if h.purger == nil {
		return c.JSON(dto.SuccessResponse{OK: true, Data: services.PurgeResult{}})
	}
	n, err := h.purger.DeleteExpiredPayloads(c.UserContext())
	if err != nil {
		h.log.Error("purge proof payloads failed", zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: services.PurgeResult{Deleted: n}})
}
