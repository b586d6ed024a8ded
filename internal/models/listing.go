package models

import (
	"time"

	"github.com/holiman/uint256"
)

// Listing statuses
const (
	ListingStatusListed              = "listed"
	ListingStatusRented              = "rented"
	ListingStatusSold                = "sold"
	ListingStatusDelisted            = "delisted"
	ListingStatusPendingPayment      = "pending_payment"
	ListingStatusPendingConfirmation = "pending_confirmation"
)

// Valid state transitions: from -> []to.
// A fresh listing replaces a sold/delisted or stale record instead of transitioning it.
var ValidListingTransitions = map[string][]string{
	ListingStatusListed: {
		ListingStatusRented, ListingStatusSold, ListingStatusDelisted,
		ListingStatusPendingPayment, ListingStatusPendingConfirmation,
	},
	ListingStatusRented:              {ListingStatusListed, ListingStatusDelisted},
	ListingStatusPendingPayment:      {ListingStatusSold, ListingStatusListed},
	ListingStatusPendingConfirmation: {ListingStatusSold, ListingStatusListed},
	ListingStatusSold:                {},
	ListingStatusDelisted:            {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidListingTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsActiveStatus reports whether a listing in this status blocks a new listing
// by the same holder.
func IsActiveStatus(status string) bool {
	switch status {
	case ListingStatusListed, ListingStatusRented,
		ListingStatusPendingPayment, ListingStatusPendingConfirmation:
		return true
	}
	return false
}

// Pending purchase kinds
const (
	PendingKindConfirmation = "confirmation"
	PendingKindPayment      = "payment"
)

type Listing struct {
	Title              TitleID          `json:"title_id"`
	Holder             Address          `json:"holder"`
	AskPrice           *uint256.Int     `json:"ask_price"`
	PaymentAsset       AssetID          `json:"payment_asset"`
	Status             string           `json:"status"`
	ConfirmationWindow time.Duration    `json:"confirmation_window"`
	PaymentDeadline    *time.Time       `json:"payment_deadline,omitempty"`
	Pending            *PendingPurchase `json:"pending,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// RequiresConfirmation reports whether purchases go through PENDING_CONFIRMATION.
func (l *Listing) RequiresConfirmation() bool {
	return l.ConfirmationWindow > 0
}

// Clone returns a deep copy safe to hand out of the engine.
func (l *Listing) Clone() Listing {
	c := *l
	if l.AskPrice != nil {
		c.AskPrice = l.AskPrice.Clone()
	}
	if l.PaymentDeadline != nil {
		d := *l.PaymentDeadline
		c.PaymentDeadline = &d
	}
	if l.Pending != nil {
		p := l.Pending.Clone()
		c.Pending = &p
	}
	return c
}

// PendingPurchase is an offer awaiting seller confirmation or payment completion.
// Deposited is what custody actually holds for it, which can be below
// OfferAmount for deflationary assets or before payment completion.
type PendingPurchase struct {
	Kind         string       `json:"kind"`
	Counterparty Address      `json:"counterparty"`
	OfferAmount  *uint256.Int `json:"offer_amount"`
	Deposited    *uint256.Int `json:"deposited"`
	PaymentAsset AssetID      `json:"payment_asset"`
	CreatedAt    time.Time    `json:"created_at"`
	Deadline     time.Time    `json:"deadline"`
}

func (p *PendingPurchase) Clone() PendingPurchase {
	c := *p
	c.OfferAmount = p.OfferAmount.Clone()
	c.Deposited = p.Deposited.Clone()
	return c
}

// Remaining is the amount still owed before the purchase can settle.
func (p *PendingPurchase) Remaining() *uint256.Int {
	if p.Deposited.Cmp(p.OfferAmount) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(p.OfferAmount, p.Deposited)
}

// IsExpired reports whether the pending purchase deadline has passed at now.
// The deadline instant itself is still in time.
func IsExpired(p *PendingPurchase, now time.Time) bool {
	return p != nil && now.After(p.Deadline)
}
