package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/http/dto"
	"github.com/title-market/backend/internal/middleware"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/money"
	"github.com/title-market/backend/internal/services"
)

// AuditTrail records and reads admin actions.
type AuditTrail interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType, entityID string, limit, offset int) ([]models.AuditLog, error)
}

type AdminHandler struct {
	market *services.MarketService
	audit  AuditTrail
	log    *zap.Logger
}

func NewAdminHandler(market *services.MarketService, audit AuditTrail, log *zap.Logger) *AdminHandler {
	return &AdminHandler{market: market, audit: audit, log: log}
}

func (h *AdminHandler) record(c *fiber.Ctx, action, entityType, entityID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	err := h.audit.Log(c.UserContext(), models.AuditLog{
		Actor:      middleware.GetAddress(c),
		ActorType:  "admin",
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Meta:       meta,
	})
	if err != nil {
		h.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func (h *AdminHandler) GetAccounting(c *fiber.Ctx) error {
	a := h.market.Accounting(c.UserContext(), models.AssetID(c.Params("asset")))
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FromAccounting(a)})
}

func (h *AdminHandler) ExpirePendingPayment(c *fiber.Ctx) error {
	t := title(c)
	if err := h.market.ForceExpirePendingPayment(c.UserContext(), middleware.GetAddress(c), t); err != nil {
		return respondError(c, err)
	}
	h.record(c, models.AuditForceExpire, "title", string(t), map[string]any{"kind": models.PendingKindPayment})
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AdminHandler) ExpirePendingConfirmation(c *fiber.Ctx) error {
	t := title(c)
	if err := h.market.ForceExpirePendingConfirmation(c.UserContext(), middleware.GetAddress(c), t); err != nil {
		return respondError(c, err)
	}
	h.record(c, models.AuditForceExpire, "title", string(t), map[string]any{"kind": models.PendingKindConfirmation})
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AdminHandler) SetDeflationary(c *fiber.Ctx) error {
	var req dto.DeflationaryRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	id := c.Params("asset")
	if err := h.market.SetAssetDeflationary(c.UserContext(), middleware.GetAddress(c), models.AssetID(id), req.Deflationary); err != nil {
		return respondError(c, err)
	}
	h.record(c, models.AuditDeflationarySet, "asset", id, map[string]any{"deflationary": req.Deflationary})
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AdminHandler) EmergencyWithdraw(c *fiber.Ctx) error {
	var req dto.EmergencyWithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Recipient == "" {
		return badRequest(c, "recipient is required")
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return respondError(c, asValueError(err))
	}
	id := c.Params("asset")
	if err := h.market.EmergencyWithdraw(c.UserContext(), middleware.GetAddress(c), models.AssetID(id), amount, models.Address(req.Recipient)); err != nil {
		return respondError(c, err)
	}
	h.record(c, models.AuditEmergencyWithdraw, "asset", id, map[string]any{
		"amount":    amount.Dec(),
		"recipient": req.Recipient,
	})
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AdminHandler) SetOperationHalted(c *fiber.Ctx) error {
	var req dto.HaltRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	op := c.Params("op")
	if err := h.market.SetOperationHalted(c.UserContext(), middleware.GetAddress(c), op, req.Halted); err != nil {
		return respondError(c, err)
	}
	h.record(c, models.AuditOperationHalt, "operation", op, map[string]any{"halted": req.Halted})
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AdminHandler) SetTitleOwner(c *fiber.Ctx) error {
	var req dto.TitleOwnerRequest
	if err := c.BodyParser(&req); err != nil || req.Owner == "" {
		return badRequest(c, "owner is required")
	}
	t := title(c)
	if err := h.market.SetTitleOwner(c.UserContext(), middleware.GetAddress(c), t, models.Address(req.Owner)); err != nil {
		return respondError(c, err)
	}
	h.record(c, models.AuditTitleOwnerSync, "title", string(t), map[string]any{"owner": req.Owner})
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AdminHandler) GetAudit(c *fiber.Ctx) error {
	if h.audit == nil {
		return c.JSON(dto.SuccessResponse{OK: true, Data: []models.AuditLog{}})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	logs, err := h.audit.GetByEntity(c.UserContext(), c.Params("entityType"), c.Params("entityID"), limit, offset)
	if err != nil {
		h.log.Error("get audit failed", zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: logs})
}
