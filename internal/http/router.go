package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/access"
	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/http/handlers"
	"github.com/title-market/backend/internal/middleware"
)

type Handlers struct {
	Auth     *handlers.AuthHandler
	Market   *handlers.MarketHandler
	Admin    *handlers.AdminHandler
	Internal *handlers.InternalHandler
	WS       *handlers.WSHub
}

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	policy access.Policy,
	h Handlers,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Internal (worker)
	internal := app.Group("/internal", middleware.InternalMiddleware(cfg))
	internal.Post("/sweep", h.Internal.Sweep)
	internal.Post("/proof-payloads/purge", h.Internal.PurgeProofPayloads)

	api := app.Group("/api/v1")

	// Rate-limited public endpoints
	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))
	}

	// Auth (public)
	if h.Auth != nil {
		api.Post("/auth/ton-proof/payload", h.Auth.GeneratePayload)
		api.Post("/auth/ton-proof", h.Auth.TonProofLogin)
	}

	// Market reads (public)
	api.Get("/listings", h.Market.ListListings)
	api.Get("/listings/:title", h.Market.GetListing)
	api.Get("/listings/:title/bids", h.Market.GetBids)
	api.Get("/listings/:title/bids/:index", h.Market.GetBidAt)
	api.Get("/listings/:title/events", h.Market.GetEvents)
	api.Get("/titles/:title/owner", h.Market.GetTitleOwner)

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Listings
	protected.Put("/listings/:title", h.Market.CreateListing)
	protected.Patch("/listings/:title", h.Market.UpdateListing)
	protected.Delete("/listings/:title", h.Market.Delist)
	protected.Post("/listings/:title/rent", h.Market.SetRented)

	// Bids
	protected.Post("/listings/:title/bids", h.Market.PlaceBid)
	protected.Delete("/listings/:title/bids", h.Market.CancelBid)
	protected.Post("/listings/:title/bids/cleanup", h.Market.CleanupBids)
	protected.Post("/listings/:title/bids/accept", h.Market.AcceptBid)

	// Purchases
	protected.Post("/listings/:title/purchase", h.Market.Purchase)
	protected.Post("/listings/:title/purchase-request", h.Market.RequestPurchase)
	protected.Post("/listings/:title/purchase-request/confirm", h.Market.ConfirmPurchase)
	protected.Post("/listings/:title/purchase-request/reject", h.Market.RejectPurchase)
	protected.Post("/listings/:title/purchase-request/expire", h.Market.ExpirePurchase)
	protected.Post("/listings/:title/payment", h.Market.CompletePayment)

	// Escrow
	protected.Get("/escrow", h.Market.GetEscrow)
	protected.Post("/escrow/:asset/withdraw", h.Market.Withdraw)

	// Admin
	admin := protected.Group("/admin", middleware.AdminMiddleware(policy))
	admin.Get("/accounting/:asset", h.Admin.GetAccounting)
	admin.Post("/listings/:title/expire-payment", h.Admin.ExpirePendingPayment)
	admin.Post("/listings/:title/expire-confirmation", h.Admin.ExpirePendingConfirmation)
	admin.Post("/assets/:asset/deflationary", h.Admin.SetDeflationary)
	admin.Post("/assets/:asset/emergency-withdraw", h.Admin.EmergencyWithdraw)
	admin.Post("/operations/:op/halt", h.Admin.SetOperationHalted)
	admin.Put("/titles/:title/owner", h.Admin.SetTitleOwner)
	admin.Get("/audit/:entityType/:entityID", h.Admin.GetAudit)

	// WebSocket
	if h.WS != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws", websocket.New(h.WS.HandleWS))
	}
}
