package dto

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/services"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type PendingPurchase struct {
	Kind         string    `json:"kind"`
	Counterparty string    `json:"counterparty"`
	OfferAmount  string    `json:"offer_amount"`
	Deposited    string    `json:"deposited"`
	Remaining    string    `json:"remaining"`
	PaymentAsset string    `json:"payment_asset"`
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
}

type Listing struct {
	TitleID                   string           `json:"title_id"`
	Holder                    string           `json:"holder"`
	AskPrice                  string           `json:"ask_price"`
	PaymentAsset              string           `json:"payment_asset"`
	Status                    string           `json:"status"`
	ConfirmationWindowSeconds int64            `json:"confirmation_window_seconds"`
	PaymentDeadline           *time.Time       `json:"payment_deadline,omitempty"`
	Pending                   *PendingPurchase `json:"pending,omitempty"`
	CreatedAt                 time.Time        `json:"created_at"`
	UpdatedAt                 time.Time        `json:"updated_at"`
}

type Bid struct {
	Bidder       string    `json:"bidder"`
	Amount       string    `json:"amount"`
	PaymentAsset string    `json:"payment_asset"`
	IsActive     bool      `json:"is_active"`
	PlacedAt     time.Time `json:"placed_at"`
}

type ListingView struct {
	Listing    Listing `json:"listing"`
	Current    bool    `json:"current"`
	Bids       []Bid   `json:"bids"`
	HighestBid *Bid    `json:"highest_bid,omitempty"`
	MinNextBid string  `json:"min_next_bid,omitempty"`
}

type EscrowBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type Accounting struct {
	Asset        string `json:"asset"`
	Received     string `json:"received"`
	Disbursed    string `json:"disbursed"`
	Held         string `json:"held"`
	Escrowed     string `json:"escrowed"`
	EmergencyOut string `json:"emergency_out"`
	Balanced     bool   `json:"balanced"`
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func FromPending(p *models.PendingPurchase) *PendingPurchase {
	if p == nil {
		return nil
	}
	return &PendingPurchase{
		Kind:         p.Kind,
		Counterparty: string(p.Counterparty),
		OfferAmount:  amount(p.OfferAmount),
		Deposited:    amount(p.Deposited),
		Remaining:    amount(p.Remaining()),
		PaymentAsset: string(p.PaymentAsset),
		CreatedAt:    p.CreatedAt,
		Deadline:     p.Deadline,
	}
}

func FromListing(l models.Listing) Listing {
	return Listing{
		TitleID:                   string(l.Title),
		Holder:                    string(l.Holder),
		AskPrice:                  amount(l.AskPrice),
		PaymentAsset:              string(l.PaymentAsset),
		Status:                    l.Status,
		ConfirmationWindowSeconds: int64(l.ConfirmationWindow / time.Second),
		PaymentDeadline:           l.PaymentDeadline,
		Pending:                   FromPending(l.Pending),
		CreatedAt:                 l.CreatedAt,
		UpdatedAt:                 l.UpdatedAt,
	}
}

func FromListings(ls []models.Listing) []Listing {
	out := make([]Listing, 0, len(ls))
	for _, l := range ls {
		out = append(out, FromListing(l))
	}
	return out
}

func FromBid(b models.Bid) Bid {
	return Bid{
		Bidder:       string(b.Bidder),
		Amount:       amount(b.Amount),
		PaymentAsset: string(b.PaymentAsset),
		IsActive:     b.IsActive,
		PlacedAt:     b.PlacedAt,
	}
}

func FromBids(bs []models.Bid) []Bid {
	out := make([]Bid, 0, len(bs))
	for _, b := range bs {
		out = append(out, FromBid(b))
	}
	return out
}

func FromView(v services.ListingView) ListingView {
	out := ListingView{
		Listing: FromListing(v.Listing),
		Current: v.Current,
		Bids:    FromBids(v.Bids),
	}
	if v.HighestBid != nil {
		b := FromBid(*v.HighestBid)
		out.HighestBid = &b
	}
	if v.MinNextBid != nil {
		out.MinNextBid = v.MinNextBid.Dec()
	}
	return out
}

func FromEscrowBalances(bs []models.EscrowBalance) []EscrowBalance {
	out := make([]EscrowBalance, 0, len(bs))
	for _, b := range bs {
		out = append(out, EscrowBalance{Asset: string(b.Asset), Amount: amount(b.Amount)})
	}
	return out
}

func FromAccounting(a models.Accounting) Accounting {
	return Accounting{
		Asset:        string(a.Asset),
		Received:     amount(a.Received),
		Disbursed:    amount(a.Disbursed),
		Held:         amount(a.Held),
		Escrowed:     amount(a.Escrowed),
		EmergencyOut: amount(a.EmergencyOut),
		Balanced:     a.Balanced(),
	}
}
