package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/events"
	"github.com/title-market/backend/internal/http/dto"
	"github.com/title-market/backend/internal/middleware"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/money"
	"github.com/title-market/backend/internal/services"
)

// EventHistory serves a title's journaled events.
type EventHistory interface {
	ListByTitle(ctx context.Context, title models.TitleID, limit, offset int) ([]events.Event, error)
}

type MarketHandler struct {
	market  *services.MarketService
	history EventHistory
	log     *zap.Logger
}

func NewMarketHandler(market *services.MarketService, history EventHistory, log *zap.Logger) *MarketHandler {
	return &MarketHandler{market: market, history: history, log: log}
}

func title(c *fiber.Ctx) models.TitleID {
	return models.TitleID(c.Params("title"))
}

func assetOrNative(s string) models.AssetID {
	if s == "" {
		return models.NativeAsset
	}
	return models.AssetID(s)
}

func listingTerms(req dto.ListingRequest) (services.ListingTerms, error) {
	ask, err := money.Parse(req.AskPrice)
	if err != nil {
		return services.ListingTerms{}, err
	}
	return services.ListingTerms{
		AskPrice:           ask,
		PaymentAsset:       assetOrNative(req.PaymentAsset),
		ConfirmationWindow: time.Duration(req.ConfirmationWindowSeconds) * time.Second,
	}, nil
}

// --- Queries ---

func (h *MarketHandler) ListListings(c *fiber.Ctx) error {
	listings := h.market.ListListings(c.UserContext(), c.Query("status"))
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FromListings(listings)})
}

func (h *MarketHandler) GetListing(c *fiber.Ctx) error {
	view, err := h.market.GetListing(c.UserContext(), title(c))
	if errors.Is(err, models.ErrNotListed) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "listing not found", Code: models.CodeOf(err)})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FromView(view)})
}

func (h *MarketHandler) GetBids(c *fiber.Ctx) error {
	bids := h.market.Bids(c.UserContext(), title(c))
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FromBids(bids)})
}

func (h *MarketHandler) GetBidAt(c *fiber.Ctx) error {
	i, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return badRequest(c, "invalid bid index")
	}
	bid, err := h.market.BidAt(c.UserContext(), title(c), i)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FromBid(bid)})
}

func (h *MarketHandler) GetEvents(c *fiber.Ctx) error {
	if h.history == nil {
		return c.JSON(dto.SuccessResponse{OK: true, Data: []events.Event{}})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	evs, err := h.history.ListByTitle(c.UserContext(), title(c), limit, offset)
	if err != nil {
		h.log.Error("list events failed", zap.String("title", string(title(c))), zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: evs})
}

func (h *MarketHandler) GetTitleOwner(c *fiber.Ctx) error {
	owner, err := h.market.TitleOwner(c.UserContext(), title(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"title_id": string(title(c)), "owner": string(owner)}})
}

// --- Listing lifecycle ---

func (h *MarketHandler) CreateListing(c *fiber.Ctx) error {
	var req dto.ListingRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	terms, err := listingTerms(req)
	if err != nil {
		return badRequest(c, err.Error())
	}
	l, err := h.market.List(c.UserContext(), middleware.GetAddress(c), title(c), terms)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.FromListing(l)})
}

func (h *MarketHandler) UpdateListing(c *fiber.Ctx) error {
	var req dto.ListingRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	terms, err := listingTerms(req)
	if err != nil {
		return badRequest(c, err.Error())
	}
	l, err := h.market.UpdateListing(c.UserContext(), middleware.GetAddress(c), title(c), terms)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FromListing(l)})
}

func (h *MarketHandler) Delist(c *fiber.Ctx) error {
	if err := h.market.Delist(c.UserContext(), middleware.GetAddress(c), title(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *MarketHandler) SetRented(c *fiber.Ctx) error {
	var req dto.RentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if err := h.market.SetRented(c.UserContext(), middleware.GetAddress(c), title(c), req.Rented); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// --- Bids ---

func (h *MarketHandler) PlaceBid(c *fiber.Ctx) error {
	var req dto.BidRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return respondError(c, asValueError(err))
	}
	bid, err := h.market.PlaceBid(c.UserContext(), middleware.GetAddress(c), title(c), amount, assetOrNative(req.Asset))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.FromBid(bid)})
}

func (h *MarketHandler) CancelBid(c *fiber.Ctx) error {
	if err := h.market.CancelBid(c.UserContext(), middleware.GetAddress(c), title(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *MarketHandler) CleanupBids(c *fiber.Ctx) error {
	removed, retained, err := h.market.CleanupBids(c.UserContext(), middleware.GetAddress(c), title(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"removed": removed, "retained": retained}})
}

func (h *MarketHandler) AcceptBid(c *fiber.Ctx) error {
	var req dto.AcceptBidRequest
	if err := c.BodyParser(&req); err != nil || req.Bidder == "" {
		return badRequest(c, "bidder is required")
	}
	if err := h.market.AcceptBid(c.UserContext(), middleware.GetAddress(c), title(c), models.Address(req.Bidder)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// --- Purchases ---

func (h *MarketHandler) Purchase(c *fiber.Ctx) error {
	var req dto.PurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return respondError(c, asValueError(err))
	}
	if err := h.market.Purchase(c.UserContext(), middleware.GetAddress(c), title(c), amount, assetOrNative(req.Asset)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *MarketHandler) RequestPurchase(c *fiber.Ctx) error {
	var req dto.PurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return respondError(c, asValueError(err))
	}
	p, err := h.market.RequestPurchase(c.UserContext(), middleware.GetAddress(c), title(c), amount, assetOrNative(req.Asset))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.FromPending(&p)})
}

func (h *MarketHandler) ConfirmPurchase(c *fiber.Ctx) error {
	if err := h.market.ConfirmPurchase(c.UserContext(), middleware.GetAddress(c), title(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *MarketHandler) RejectPurchase(c *fiber.Ctx) error {
	if err := h.market.RejectPurchase(c.UserContext(), middleware.GetAddress(c), title(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *MarketHandler) ExpirePurchase(c *fiber.Ctx) error {
	if err := h.market.ExpirePurchase(c.UserContext(), middleware.GetAddress(c), title(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *MarketHandler) CompletePayment(c *fiber.Ctx) error {
	var req dto.CompletePaymentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
	}
	amount, err := money.ParseOptional(req.Amount)
	if err != nil {
		return respondError(c, asValueError(err))
	}
	if err := h.market.CompletePayment(c.UserContext(), middleware.GetAddress(c), title(c), amount); err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// --- Escrow ---

func (h *MarketHandler) GetEscrow(c *fiber.Ctx) error {
	balances := h.market.EscrowBalances(c.UserContext(), middleware.GetAddress(c))
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FromEscrowBalances(balances)})
}

func (h *MarketHandler) Withdraw(c *fiber.Ctx) error {
	amount, err := h.market.Withdraw(c.UserContext(), middleware.GetAddress(c), models.AssetID(c.Params("asset")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"asset": c.Params("asset"), "amount": amount.Dec()}})
}
