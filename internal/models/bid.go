package models

import (
	"time"

	"github.com/holiman/uint256"
)

type Bid struct {
	Bidder       Address      `json:"bidder"`
	Amount       *uint256.Int `json:"amount"`
	PaymentAsset AssetID      `json:"payment_asset"`
	IsActive     bool         `json:"is_active"`
	PlacedAt     time.Time    `json:"placed_at"`
}

func (b Bid) Clone() Bid {
	if b.Amount != nil {
		b.Amount = b.Amount.Clone()
	}
	return b
}
