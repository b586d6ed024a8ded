package services

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/access"
	"github.com/title-market/backend/internal/bidbook"
	"github.com/title-market/backend/internal/custody"
	"github.com/title-market/backend/internal/events"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/money"
)

// Settlement routes
const (
	viaDirect       = "direct"
	viaConfirmation = "confirmation"
	viaBid          = "bid"
	viaPayment      = "payment"
)

type settlement struct {
	rec    *models.Listing
	buyer  models.Address
	amount *uint256.Int // funds held for the sale
	via    string

	// state to restore if the title cannot be transferred
	snap     models.Listing
	bookSnap *bidbook.Book

	// emitted once the title has moved
	leadType    string
	leadPayload map[string]any
	outbid      *models.Bid
}

// settle closes a sale: SOLD first, then the title transfer, then refunds
// and proceeds. If the title does not move, listing and book are restored
// and nothing is paid out.
func (m *MarketService) settle(ctx context.Context, s settlement) error {
	rec := s.rec
	title := rec.Title
	seller := rec.Holder
	assetID := rec.PaymentAsset
	if rec.Pending != nil {
		assetID = rec.Pending.PaymentAsset
	}

	// 1. Internal state reaches its final values
	if err := m.listings.Transition(rec, models.ListingStatusSold, m.clock()); err != nil {
		return err
	}
	rec.Pending = nil
	refunds := m.book(title).CancelAll()

	// 2. Title transfer
	if err := m.titles.Transfer(ctx, title, seller, s.buyer); err != nil {
		m.listings.Restore(s.snap)
		m.books[title] = s.bookSnap
		m.log.Error("title transfer failed, sale rolled back",
			zap.String("title", string(title)),
			zap.String("seller", string(seller)),
			zap.String("buyer", string(s.buyer)),
			zap.Error(err),
		)
		return fmt.Errorf("transfer title %s: %w", title, err)
	}

	if s.leadType != "" {
		m.emit(s.leadType, title, s.leadPayload)
	}
	m.emit(events.EventTitleTransferred, title, map[string]any{
		"from": string(seller),
		"to":   string(s.buyer),
		"via":  s.via,
	})
	if s.outbid != nil {
		m.emit(events.EventCompetitivePurchase, title, map[string]any{
			"buyer":         string(s.buyer),
			"amount":        s.amount.Dec(),
			"outbid_bidder": string(s.outbid.Bidder),
			"outbid_amount": s.outbid.Amount.Dec(),
			"asset":         string(assetID),
		})
	}

	// 3. Refund every other bid
	for _, bid := range refunds {
		m.emit(events.EventBidCancelled, title, map[string]any{
			"bidder": string(bid.Bidder),
			"amount": bid.Amount.Dec(),
			"asset":  string(bid.PaymentAsset),
			"reason": "sold",
		})
		m.refund(ctx, title, bid.PaymentAsset, bid.Bidder, bid.Amount, "bid_refund")
	}

	// 4. Proceeds
	fee, proceeds := money.SplitFee(s.amount, m.policy.FeeRateBps())
	feeDelivered := new(uint256.Int)
	if !fee.IsZero() {
		feeDelivered, _ = m.ledger.AttemptPush(ctx, custody.Push{
			Title: title, Asset: assetID, To: m.policy.FeeRecipient(), Amount: fee, Reason: "platform_fee",
		})
	}
	delivered, escrowed := m.ledger.AttemptPush(ctx, custody.Push{
		Title: title, Asset: assetID, To: seller, Amount: proceeds, Reason: "sale_proceeds",
	})

	m.emit(events.EventPurchaseCompleted, title, map[string]any{
		"seller":             string(seller),
		"buyer":              string(s.buyer),
		"amount":             s.amount.Dec(),
		"fee":                fee.Dec(),
		"fee_delivered":      feeDelivered.Dec(),
		"proceeds":           proceeds.Dec(),
		"proceeds_delivered": delivered.Dec(),
		"proceeds_escrowed":  escrowed,
		"bids_refunded":      len(refunds),
		"asset":              string(assetID),
		"via":                s.via,
	})
	return nil
}

// collectAtLeast pulls amount from payer and refunds it if custody
// received less than floor.
func (m *MarketService) collectAtLeast(ctx context.Context, title models.TitleID, assetID models.AssetID, payer models.Address, amount, floor *uint256.Int) (*uint256.Int, error) {
	got, err := m.ledger.Collect(ctx, assetID, payer, amount)
	if err != nil {
		return nil, err
	}
	if got.Lt(floor) {
		m.refund(ctx, title, assetID, payer, got, "short_payment")
		return nil, models.ErrInsufficientPayment
	}
	return got, nil
}

// buyable checks what every purchase path shares and returns the record.
func (m *MarketService) buyable(ctx context.Context, buyer models.Address, title models.TitleID, assetID models.AssetID) (*models.Listing, error) {
	rec, err := m.listings.Current(ctx, title)
	if err != nil {
		return nil, err
	}
	if err := m.touch(ctx, rec); err != nil {
		return nil, err
	}
	if rec.Status != models.ListingStatusListed {
		return nil, models.ErrInvalidTransition
	}
	if buyer == rec.Holder {
		return nil, models.ErrHolderCannotBuy
	}
	if assetID != rec.PaymentAsset {
		return nil, models.ErrAssetMismatch
	}
	if !m.policy.IsAssetAccepted(assetID) {
		return nil, models.ErrAssetNotAccepted
	}
	return rec, nil
}

// Purchase buys a listing outright. The amount must cover the ask price and
// beat the highest bid by the minimum increment. Every bid is refunded.
func (m *MarketService) Purchase(ctx context.Context, buyer models.Address, title models.TitleID, amount *uint256.Int, assetID models.AssetID) error {
	return m.run(ctx, access.OpPurchase, buyer, func(ctx context.Context) error {
		rec, err := m.buyable(ctx, buyer, title, assetID)
		if err != nil {
			return err
		}
		if rec.RequiresConfirmation() {
			return models.ErrConfirmationRequired
		}
		if amount == nil || amount.IsZero() {
			return models.ErrZeroAmount
		}
		required, err := m.requiredPurchase(rec)
		if err != nil {
			return err
		}
		if amount.Lt(required) {
			return models.ErrInsufficientPayment
		}

		book := m.book(title)
		snap, bookSnap := rec.Clone(), book.Clone()
		var outbid *models.Bid
		if top, ok := book.Highest(); ok {
			outbid = &top
		}

		got, err := m.collectAtLeast(ctx, title, assetID, buyer, amount, required)
		if err != nil {
			return err
		}

		err = m.settle(ctx, settlement{
			rec:      rec,
			buyer:    buyer,
			amount:   got,
			via:      viaDirect,
			snap:     snap,
			bookSnap: bookSnap,
			outbid:   outbid,
		})
		if err != nil {
			m.refund(ctx, title, assetID, buyer, got, "purchase_refund")
			return err
		}
		return nil
	})
}

// RequestPurchase escrows an offer on a listing with a confirmation window
// and moves it to PENDING_CONFIRMATION until the holder decides or the
// window lapses.
func (m *MarketService) RequestPurchase(ctx context.Context, buyer models.Address, title models.TitleID, offer *uint256.Int, assetID models.AssetID) (models.PendingPurchase, error) {
	var out models.PendingPurchase
	err := m.run(ctx, access.OpRequestPurchase, buyer, func(ctx context.Context) error {
		rec, err := m.buyable(ctx, buyer, title, assetID)
		if err != nil {
			return err
		}
		if !rec.RequiresConfirmation() {
			return models.ErrConfirmationDisabled
		}
		if offer == nil || offer.IsZero() {
			return models.ErrZeroAmount
		}
		if offer.Lt(rec.AskPrice) {
			return models.ErrInsufficientPayment
		}

		got, err := m.collectAtLeast(ctx, title, assetID, buyer, offer, rec.AskPrice)
		if err != nil {
			return err
		}

		now := m.clock()
		if err := m.listings.Transition(rec, models.ListingStatusPendingConfirmation, now); err != nil {
			m.refund(ctx, title, assetID, buyer, got, "purchase_refund")
			return err
		}
		rec.Pending = &models.PendingPurchase{
			Kind:         models.PendingKindConfirmation,
			Counterparty: buyer,
			OfferAmount:  offer.Clone(),
			Deposited:    got,
			PaymentAsset: assetID,
			CreatedAt:    now,
			Deadline:     now.Add(rec.ConfirmationWindow),
		}
		m.emit(events.EventPurchaseRequested, title, map[string]any{
			"buyer":    string(buyer),
			"holder":   string(rec.Holder),
			"offer":    offer.Dec(),
			"received": got.Dec(),
			"asset":    string(assetID),
			"deadline": rec.Pending.Deadline.Unix(),
		})
		out = rec.Pending.Clone()
		return nil
	})
	return out, err
}

// ConfirmPurchase lets the holder accept a pending request before its
// deadline.
func (m *MarketService) ConfirmPurchase(ctx context.Context, caller models.Address, title models.TitleID) error {
	return m.run(ctx, access.OpConfirm, caller, func(ctx context.Context) error {
		// A settled purchase is a state error for everyone, the former holder included.
		if raw, ok := m.listings.Record(title); !ok || raw.Status != models.ListingStatusPendingConfirmation {
			return models.ErrNoPendingPurchase
		}
		rec, err := m.listings.Authorize(ctx, title, caller)
		if err != nil {
			return err
		}
		if rec.Status != models.ListingStatusPendingConfirmation || rec.Pending == nil {
			return models.ErrNoPendingPurchase
		}
		if models.IsExpired(rec.Pending, m.clock()) {
			return models.ErrDeadlinePassed
		}
		p := rec.Pending
		return m.settle(ctx, settlement{
			rec:      rec,
			buyer:    p.Counterparty,
			amount:   p.Deposited.Clone(),
			via:      viaConfirmation,
			snap:     rec.Clone(),
			bookSnap: m.book(title).Clone(),
			leadType: events.EventPurchaseConfirmed,
			leadPayload: map[string]any{
				"holder": string(rec.Holder),
				"buyer":  string(p.Counterparty),
				"amount": p.Deposited.Dec(),
				"asset":  string(p.PaymentAsset),
			},
		})
	})
}

// RejectPurchase lets the holder turn down a pending request; the buyer is
// refunded and the listing returns to LISTED.
func (m *MarketService) RejectPurchase(ctx context.Context, caller models.Address, title models.TitleID) error {
	return m.run(ctx, access.OpReject, caller, func(ctx context.Context) error {
		rec, err := m.listings.Authorize(ctx, title, caller)
		if err != nil {
			return err
		}
		if rec.Status != models.ListingStatusPendingConfirmation || rec.Pending == nil {
			return models.ErrNoPendingPurchase
		}
		p := rec.Pending
		if err := m.listings.Transition(rec, models.ListingStatusListed, m.clock()); err != nil {
			return err
		}
		rec.Pending = nil
		m.emit(events.EventPurchaseRejected, title, map[string]any{
			"holder": string(rec.Holder),
			"buyer":  string(p.Counterparty),
			"amount": p.Deposited.Dec(),
			"asset":  string(p.PaymentAsset),
		})
		m.refund(ctx, title, p.PaymentAsset, p.Counterparty, p.Deposited, "purchase_refund")
		return nil
	})
}

// ExpirePurchase returns an overdue PENDING_CONFIRMATION listing to LISTED
// and refunds the buyer. Anyone may call it once the deadline has passed.
func (m *MarketService) ExpirePurchase(ctx context.Context, caller models.Address, title models.TitleID) error {
	return m.run(ctx, access.OpExpire, caller, func(ctx context.Context) error {
		rec, ok := m.listings.Record(title)
		if !ok || rec.Status != models.ListingStatusPendingConfirmation || rec.Pending == nil {
			return models.ErrNoPendingPurchase
		}
		if !models.IsExpired(rec.Pending, m.clock()) {
			return models.ErrDeadlineNotReached
		}
		return m.expireConfirmation(ctx, rec, "expired", caller)
	})
}

func (m *MarketService) expireConfirmation(ctx context.Context, rec *models.Listing, reason string, actor models.Address) error {
	p := rec.Pending
	if err := m.listings.Transition(rec, models.ListingStatusListed, m.clock()); err != nil {
		return err
	}
	rec.Pending = nil
	m.emit(events.EventPurchaseExpired, rec.Title, map[string]any{
		"buyer":    string(p.Counterparty),
		"amount":   p.Deposited.Dec(),
		"asset":    string(p.PaymentAsset),
		"deadline": p.Deadline.Unix(),
		"reason":   reason,
		"actor":    string(actor),
	})
	m.refund(ctx, rec.Title, p.PaymentAsset, p.Counterparty, p.Deposited, "purchase_refund")
	return nil
}

// AcceptBid accepts a live bid. A fungible-asset bid settles immediately.
// A native-asset bid moves the listing to PENDING_PAYMENT with a payment
// deadline; no funds move until the buyer completes payment.
func (m *MarketService) AcceptBid(ctx context.Context, caller models.Address, title models.TitleID, bidder models.Address) error {
	return m.run(ctx, access.OpAcceptBid, caller, func(ctx context.Context) error {
		rec, err := m.listings.Authorize(ctx, title, caller)
		if err != nil {
			return err
		}
		if err := m.touch(ctx, rec); err != nil {
			return err
		}
		if rec.Status != models.ListingStatusListed {
			return models.ErrInvalidTransition
		}

		book := m.book(title)
		snap, bookSnap := rec.Clone(), book.Clone()
		bid, err := book.Take(bidder)
		if err != nil {
			return err
		}

		if !bid.PaymentAsset.IsNative() {
			return m.settle(ctx, settlement{
				rec:      rec,
				buyer:    bid.Bidder,
				amount:   bid.Amount,
				via:      viaBid,
				snap:     snap,
				bookSnap: bookSnap,
				leadType: events.EventBidAccepted,
				leadPayload: map[string]any{
					"holder": string(rec.Holder),
					"bidder": string(bid.Bidder),
					"amount": bid.Amount.Dec(),
					"asset":  string(bid.PaymentAsset),
				},
			})
		}

		now := m.clock()
		if err := m.listings.Transition(rec, models.ListingStatusPendingPayment, now); err != nil {
			m.books[title] = bookSnap
			return err
		}
		deadline := now.Add(m.paymentWindow)
		rec.PaymentDeadline = &deadline
		rec.Pending = &models.PendingPurchase{
			Kind:         models.PendingKindPayment,
			Counterparty: bid.Bidder,
			OfferAmount:  bid.Amount.Clone(),
			Deposited:    bid.Amount.Clone(),
			PaymentAsset: bid.PaymentAsset,
			CreatedAt:    now,
			Deadline:     deadline,
		}
		m.emit(events.EventBidAccepted, title, map[string]any{
			"holder":           string(rec.Holder),
			"bidder":           string(bid.Bidder),
			"amount":           bid.Amount.Dec(),
			"asset":            string(bid.PaymentAsset),
			"payment_deadline": deadline.Unix(),
		})
		return nil
	})
}

// CompletePayment settles a PENDING_PAYMENT listing. The payment must equal
// exactly what is still owed, which is zero when the bid was fully funded.
func (m *MarketService) CompletePayment(ctx context.Context, caller models.Address, title models.TitleID, payment *uint256.Int) error {
	return m.run(ctx, access.OpCompletePayment, caller, func(ctx context.Context) error {
		rec, ok := m.listings.Record(title)
		if !ok || rec.Status != models.ListingStatusPendingPayment || rec.Pending == nil {
			return models.ErrNoPendingPurchase
		}
		p := rec.Pending
		if caller != p.Counterparty {
			return models.ErrNotCounterparty
		}
		if models.IsExpired(p, m.clock()) {
			return models.ErrDeadlinePassed
		}
		if payment == nil {
			payment = new(uint256.Int)
		}
		remaining := p.Remaining()
		if !payment.Eq(remaining) {
			return models.ErrIncorrectPayment
		}

		snap, bookSnap := rec.Clone(), m.book(title).Clone()
		got := new(uint256.Int)
		if !remaining.IsZero() {
			var err error
			got, err = m.collectAtLeast(ctx, title, p.PaymentAsset, caller, remaining, remaining)
			if err != nil {
				return err
			}
		}
		total := new(uint256.Int).Add(p.Deposited, got)

		err := m.settle(ctx, settlement{
			rec:      rec,
			buyer:    p.Counterparty,
			amount:   total,
			via:      viaPayment,
			snap:     snap,
			bookSnap: bookSnap,
			leadType: events.EventPaymentCompleted,
			leadPayload: map[string]any{
				"buyer":  string(p.Counterparty),
				"amount": total.Dec(),
				"paid":   got.Dec(),
				"asset":  string(p.PaymentAsset),
			},
		})
		if err != nil && !got.IsZero() {
			m.refund(ctx, title, p.PaymentAsset, caller, got, "payment_refund")
		}
		return err
	})
}

// PaymentWindow is how long a buyer has to complete an accepted native bid.
func (m *MarketService) PaymentWindow() time.Duration {
	return m.paymentWindow
}
