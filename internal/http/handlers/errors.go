package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/title-market/backend/internal/asset"
	"github.com/title-market/backend/internal/http/dto"
	"github.com/title-market/backend/internal/middleware"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/services"
	"github.com/title-market/backend/internal/ton"
)

// StatusForError maps a service error onto an HTTP status.
func StatusForError(err error) int {
	switch models.KindOf(err) {
	case models.KindAuthorization:
		return fiber.StatusForbidden
	case models.KindState:
		return fiber.StatusConflict
	case models.KindValue:
		return fiber.StatusBadRequest
	case models.KindAsset:
		return fiber.StatusUnprocessableEntity
	case models.KindResource:
		return fiber.StatusNotFound
	}
	switch {
	case errors.Is(err, services.ErrInvalidProof):
		return fiber.StatusUnauthorized
	case errors.Is(err, asset.ErrInsufficientBalance), errors.Is(err, ton.ErrInsufficientDeposit):
		return fiber.StatusPaymentRequired
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	status := StatusForError(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(status).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      models.CodeOf(err),
		RequestID: reqID,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}

// asValueError keeps domain rejections and turns parse failures into
// ErrInvalidAmount.
func asValueError(err error) error {
	if models.KindOf(err) != "" {
		return err
	}
	return models.ErrInvalidAmount
}
