// Package bidbook keeps the ordered collection of bids on one listing.
// Funds never move here; the caller collects deltas and refunds what
// Take and CancelAll hand back.
package bidbook

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/money"
)

type Book struct {
	bids  []models.Bid
	index map[models.Address]int
}

func New() *Book {
	return &Book{index: make(map[models.Address]int)}
}

// Quote is what a bid would cost the bidder if committed now.
type Quote struct {
	Previous *uint256.Int // bidder's current active amount, zero if none
	Delta    *uint256.Int // new funds the bidder must supply
	Minimum  *uint256.Int // lowest acceptable amount
}

// Terms are the listing parameters a bid is checked against.
type Terms struct {
	Asset        models.AssetID
	AskPrice     *uint256.Int
	IncrementBps uint64
}

// Quote validates a bid without changing the book.
func (b *Book) Quote(bidder models.Address, amount *uint256.Int, asset models.AssetID, terms Terms) (Quote, error) {
	if amount.IsZero() {
		return Quote{}, models.ErrZeroAmount
	}
	if asset != terms.Asset {
		return Quote{}, models.ErrAssetMismatch
	}
	if top, ok := b.Highest(); ok && top.PaymentAsset != asset {
		return Quote{}, models.ErrAssetMismatch
	}

	prev := new(uint256.Int)
	if i, ok := b.index[bidder]; ok {
		prev = b.bids[i].Amount.Clone()
		switch amount.Cmp(prev) {
		case -1:
			return Quote{}, models.ErrBidDecreaseNotAllowed
		case 0:
			return Quote{}, models.ErrBidUnchanged
		}
	}

	floor, err := b.MinimumNext(terms)
	if err != nil {
		return Quote{}, err
	}
	if amount.Lt(floor) {
		return Quote{}, models.ErrBidTooLow
	}
	return Quote{
		Previous: prev,
		Delta:    new(uint256.Int).Sub(amount, prev),
		Minimum:  floor,
	}, nil
}

// MinimumNext is the lowest amount the next bid may carry: the ask price
// on an empty book, otherwise the highest live bid plus the increment.
func (b *Book) MinimumNext(terms Terms) (*uint256.Int, error) {
	top, ok := b.Highest()
	if !ok {
		return terms.AskPrice.Clone(), nil
	}
	return money.MinNextBid(top.Amount, terms.IncrementBps)
}

// Commit records a quoted bid. An active bid by the same bidder is
// updated in place; otherwise a new entry is appended.
func (b *Book) Commit(bidder models.Address, amount *uint256.Int, asset models.AssetID, now time.Time) {
	if i, ok := b.index[bidder]; ok {
		b.bids[i].Amount = amount.Clone()
		b.bids[i].PlacedAt = now
		return
	}
	b.bids = append(b.bids, models.Bid{
		Bidder:       bidder,
		Amount:       amount.Clone(),
		PaymentAsset: asset,
		IsActive:     true,
		PlacedAt:     now,
	})
	b.index[bidder] = len(b.bids) - 1
}

// Take deactivates the bidder's active bid and returns it for refunding.
func (b *Book) Take(bidder models.Address) (models.Bid, error) {
	i, ok := b.index[bidder]
	if !ok {
		return models.Bid{}, models.ErrNoActiveBid
	}
	b.bids[i].IsActive = false
	delete(b.index, bidder)
	return b.bids[i].Clone(), nil
}

// CancelAll deactivates every live bid and returns them in book order.
func (b *Book) CancelAll() []models.Bid {
	var out []models.Bid
	for i := range b.bids {
		if !b.bids[i].IsActive {
			continue
		}
		b.bids[i].IsActive = false
		out = append(out, b.bids[i].Clone())
	}
	b.index = make(map[models.Address]int)
	return out
}

// Cleanup drops inactive entries and rebuilds the bidder index.
func (b *Book) Cleanup() (removed, retained int) {
	kept := b.bids[:0]
	for _, bid := range b.bids {
		if bid.IsActive {
			kept = append(kept, bid)
		} else {
			removed++
		}
	}
	if removed == 0 {
		return 0, len(b.bids)
	}
	for i := len(kept); i < len(b.bids); i++ {
		b.bids[i] = models.Bid{}
	}
	b.bids = kept
	b.index = make(map[models.Address]int, len(kept))
	for i, bid := range kept {
		b.index[bid.Bidder] = i
	}
	return removed, len(kept)
}

// Highest returns the largest live bid; ties go to the earlier entry.
func (b *Book) Highest() (models.Bid, bool) {
	best := -1
	for i, bid := range b.bids {
		if !bid.IsActive {
			continue
		}
		if best < 0 || bid.Amount.Gt(b.bids[best].Amount) {
			best = i
		}
	}
	if best < 0 {
		return models.Bid{}, false
	}
	return b.bids[best].Clone(), true
}

func (b *Book) HasLive() bool {
	return len(b.index) > 0
}

func (b *Book) Get(bidder models.Address) (models.Bid, bool) {
	i, ok := b.index[bidder]
	if !ok {
		return models.Bid{}, false
	}
	return b.bids[i].Clone(), true
}

func (b *Book) At(i int) (models.Bid, error) {
	if i < 0 || i >= len(b.bids) {
		return models.Bid{}, models.ErrBidOutOfBounds
	}
	return b.bids[i].Clone(), nil
}

func (b *Book) Len() int { return len(b.bids) }

// All returns every entry, live or not, in book order.
func (b *Book) All() []models.Bid {
	out := make([]models.Bid, len(b.bids))
	for i, bid := range b.bids {
		out[i] = bid.Clone()
	}
	return out
}

// Clone deep-copies the book so a failed settlement can restore it.
func (b *Book) Clone() *Book {
	c := &Book{
		bids:  make([]models.Bid, len(b.bids)),
		index: make(map[models.Address]int, len(b.index)),
	}
	for i, bid := range b.bids {
		c.bids[i] = bid.Clone()
	}
	for k, v := range b.index {
		c.index[k] = v
	}
	return c
}
