package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/access"
	"github.com/title-market/backend/internal/auth"
	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/models"
)

const (
	CtxAddress = "address"

	InternalTokenHeader = "X-Internal-Token"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxAddress, models.Address(claims.Address))

		return c.Next()
	}
}

func GetAddress(c *fiber.Ctx) models.Address {
	addr, _ := c.Locals(CtxAddress).(models.Address)
	return addr
}

// AdminMiddleware requires an admin address
func AdminMiddleware(policy access.Policy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !policy.IsAdmin(GetAddress(c)) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin access required"})
		}
		return c.Next()
	}
}

// InternalMiddleware guards endpoints called by the worker.
// An empty INTERNAL_TOKEN disables them.
func InternalMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get(InternalTokenHeader)
		if cfg.InternalToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(cfg.InternalToken)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}
