package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/access"
	"github.com/title-market/backend/internal/asset"
	"github.com/title-market/backend/internal/bidbook"
	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/custody"
	"github.com/title-market/backend/internal/events"
	"github.com/title-market/backend/internal/listing"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/money"
	"github.com/title-market/backend/internal/titles"
)

// Dispatcher receives each operation's events in sequence order. Batches
// are handed over after the operation lock is released, one at a time.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch []events.Event)
}

type opKey struct{}

// MarketService sequences the listing registry, bid books and custody
// ledger. Every mutating call runs alone under one lock; a call made from
// inside a running operation (e.g. by a payment recipient) is rejected, as
// is any call that finds the lock held during an external transfer.
type MarketService struct {
	mu      sync.Mutex
	flushMu sync.Mutex

	listings *listing.Registry
	books    map[models.TitleID]*bidbook.Book
	ledger   *custody.Ledger
	rails    *asset.Registry
	titles   titles.Registry
	policy   access.Policy

	dispatcher    Dispatcher
	incrementBps  uint64
	paymentWindow time.Duration
	clock         func() time.Time
	log           *zap.Logger

	seq     int64
	pending []events.Event
}

func NewMarketService(
	titleRegistry titles.Registry,
	rails *asset.Registry,
	policy access.Policy,
	dispatcher Dispatcher,
	cfg *config.Config,
	log *zap.Logger,
) *MarketService {
	m := &MarketService{
		listings:      listing.NewRegistry(titleRegistry),
		books:         make(map[models.TitleID]*bidbook.Book),
		rails:         rails,
		titles:        titleRegistry,
		policy:        policy,
		dispatcher:    dispatcher,
		incrementBps:  uint64(cfg.MinBidIncrementBPS),
		paymentWindow: cfg.PaymentWindow,
		clock:         time.Now,
		log:           log,
	}
	m.ledger = custody.NewLedger(rails, ledgerNotes{m}, cfg.PushTimeout, log)
	return m
}

// SetClock replaces the time source.
func (m *MarketService) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// ResumeSequence continues event numbering after seq, e.g. the highest
// sequence already journaled.
func (m *MarketService) ResumeSequence(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.seq {
		m.seq = seq
	}
}

// run executes one mutating operation atomically and flushes its events.
// op is checked against halts and caller against the participant policy;
// either may be empty to skip the check.
func (m *MarketService) run(ctx context.Context, op string, caller models.Address, fn func(ctx context.Context) error) error {
	if ctx.Value(opKey{}) != nil {
		m.log.Warn("reentrant call rejected",
			zap.String("op", op),
			zap.String("caller", string(caller)),
			zap.Any("outer_op", ctx.Value(opKey{})),
		)
		return models.ErrReentrantCall
	}
	if op != "" && m.policy.IsOperationHalted(op) {
		return models.ErrOperationHalted
	}
	if caller != "" && !m.policy.IsPermitted(caller) {
		return models.ErrNotPermitted
	}

	batch, err := m.exec(ctx, op, caller, fn)
	if len(batch) > 0 {
		m.dispatcher.Dispatch(context.WithoutCancel(ctx), batch)
		m.flushMu.Unlock()
	}
	return err
}

// exec runs fn under the operation lock. When it returns a non-empty batch
// it also holds flushMu, taken before the operation lock was released so
// batches go out in sequence order.
func (m *MarketService) exec(ctx context.Context, op string, caller models.Address, fn func(ctx context.Context) error) ([]events.Event, error) {
	if !m.mu.TryLock() {
		// Whoever holds the lock is waiting on a recipient; a call arriving
		// now may be that recipient and must not wait for itself.
		if m.ledger.InFlight() {
			m.log.Warn("call rejected during external transfer",
				zap.String("op", op),
				zap.String("caller", string(caller)),
			)
			return nil, models.ErrTransferInFlight
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	err := fn(context.WithValue(ctx, opKey{}, op))

	// Flushed on failure too: pushes made while unwinding already happened.
	batch := m.pending
	m.pending = nil
	if len(batch) > 0 {
		m.flushMu.Lock()
	}
	return batch, err
}

// view runs a read. Inside an operation it reads without locking and sees
// the operation's post-transition state.
func (m *MarketService) view(ctx context.Context, fn func()) {
	if ctx.Value(opKey{}) != nil {
		fn()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *MarketService) admin(caller models.Address) error {
	if !m.policy.IsAdmin(caller) {
		return models.ErrNotAdmin
	}
	return nil
}

func (m *MarketService) emit(eventType string, title models.TitleID, payload map[string]any) {
	m.seq++
	m.pending = append(m.pending, events.Event{
		ID:         uuid.New(),
		Seq:        m.seq,
		Type:       eventType,
		Title:      title,
		Payload:    payload,
		OccurredAt: m.clock(),
	})
}

// ledgerNotes feeds custody notifications into the operation's event batch.
type ledgerNotes struct{ m *MarketService }

func (n ledgerNotes) Notify(eventType string, title models.TitleID, payload map[string]any) {
	n.m.emit(eventType, title, payload)
}

func (m *MarketService) book(id models.TitleID) *bidbook.Book {
	b, ok := m.books[id]
	if !ok {
		b = bidbook.New()
		m.books[id] = b
	}
	return b
}

func (m *MarketService) bidTerms(rec *models.Listing) bidbook.Terms {
	return bidbook.Terms{
		Asset:        rec.PaymentAsset,
		AskPrice:     rec.AskPrice,
		IncrementBps: m.incrementBps,
	}
}

func (m *MarketService) refund(ctx context.Context, title models.TitleID, id models.AssetID, to models.Address, amount *uint256.Int, reason string) {
	m.ledger.AttemptPush(ctx, custody.Push{Title: title, Asset: id, To: to, Amount: amount, Reason: reason})
}

// touch expires an overdue confirmation window before an operation uses
// the listing.
func (m *MarketService) touch(ctx context.Context, rec *models.Listing) error {
	if rec.Status == models.ListingStatusPendingConfirmation && models.IsExpired(rec.Pending, m.clock()) {
		return m.expireConfirmation(ctx, rec, "lazy", "")
	}
	return nil
}

// ListingTerms are the holder-controlled listing parameters.
type ListingTerms struct {
	AskPrice           *uint256.Int
	PaymentAsset       models.AssetID
	ConfirmationWindow time.Duration
}

func (t ListingTerms) registry() listing.Terms {
	window := t.ConfirmationWindow
	if window < 0 {
		window = 0
	}
	return listing.Terms{AskPrice: t.AskPrice, PaymentAsset: t.PaymentAsset, ConfirmationWindow: window}
}

// List opens a listing for the caller's title. A record left by a previous
// holder is unwound: its bids and any pending purchase are refunded.
func (m *MarketService) List(ctx context.Context, caller models.Address, title models.TitleID, terms ListingTerms) (models.Listing, error) {
	var out models.Listing
	err := m.run(ctx, access.OpList, caller, func(ctx context.Context) error {
		if !m.policy.IsAssetAccepted(terms.PaymentAsset) {
			return models.ErrAssetNotAccepted
		}
		if _, err := m.rails.Rail(terms.PaymentAsset); err != nil {
			return err
		}

		rec, replaced, err := m.listings.Open(ctx, title, caller, terms.registry(), m.clock())
		if err != nil {
			return err
		}

		// 1. Unwind whatever the replaced record still holds
		if old, ok := m.books[title]; ok {
			for _, bid := range old.CancelAll() {
				m.emit(events.EventBidCancelled, title, map[string]any{
					"bidder": string(bid.Bidder),
					"amount": bid.Amount.Dec(),
					"asset":  string(bid.PaymentAsset),
					"reason": "relisted",
				})
				m.refund(ctx, title, bid.PaymentAsset, bid.Bidder, bid.Amount, "bid_refund")
			}
		}
		if replaced != nil && replaced.Pending != nil {
			p := replaced.Pending
			m.emit(events.EventPurchaseExpired, title, map[string]any{
				"counterparty": string(p.Counterparty),
				"amount":       p.Deposited.Dec(),
				"asset":        string(p.PaymentAsset),
				"reason":       "relisted",
			})
			m.refund(ctx, title, p.PaymentAsset, p.Counterparty, p.Deposited, "pending_refund")
		}
		m.books[title] = bidbook.New()

		// 2. Announce the new record
		m.emit(events.EventListingCreated, title, map[string]any{
			"holder":              string(rec.Holder),
			"ask_price":           rec.AskPrice.Dec(),
			"asset":               string(rec.PaymentAsset),
			"confirmation_window": int64(rec.ConfirmationWindow / time.Second),
		})
		out = rec.Clone()
		return nil
	})
	return out, err
}

func (m *MarketService) UpdateListing(ctx context.Context, caller models.Address, title models.TitleID, terms ListingTerms) (models.Listing, error) {
	var out models.Listing
	err := m.run(ctx, access.OpUpdate, caller, func(ctx context.Context) error {
		rec, err := m.listings.Authorize(ctx, title, caller)
		if err != nil {
			return err
		}
		if err := m.touch(ctx, rec); err != nil {
			return err
		}
		if !m.policy.IsAssetAccepted(terms.PaymentAsset) {
			return models.ErrAssetNotAccepted
		}
		if _, err := m.rails.Rail(terms.PaymentAsset); err != nil {
			return err
		}
		if err := m.listings.Update(rec, terms.registry(), m.book(title).HasLive(), m.clock()); err != nil {
			return err
		}
		m.emit(events.EventListingUpdated, title, map[string]any{
			"holder":              string(rec.Holder),
			"ask_price":           rec.AskPrice.Dec(),
			"asset":               string(rec.PaymentAsset),
			"confirmation_window": int64(rec.ConfirmationWindow / time.Second),
		})
		out = rec.Clone()
		return nil
	})
	return out, err
}

// Delist withdraws a LISTED or RENTED listing and refunds every live bid.
func (m *MarketService) Delist(ctx context.Context, caller models.Address, title models.TitleID) error {
	return m.run(ctx, access.OpDelist, caller, func(ctx context.Context) error {
		rec, err := m.listings.Authorize(ctx, title, caller)
		if err != nil {
			return err
		}
		if err := m.touch(ctx, rec); err != nil {
			return err
		}
		if err := m.listings.Transition(rec, models.ListingStatusDelisted, m.clock()); err != nil {
			return err
		}
		refunds := m.book(title).CancelAll()
		m.emit(events.EventListingDelisted, title, map[string]any{
			"holder":        string(rec.Holder),
			"bids_refunded": len(refunds),
		})
		for _, bid := range refunds {
			m.emit(events.EventBidCancelled, title, map[string]any{
				"bidder": string(bid.Bidder),
				"amount": bid.Amount.Dec(),
				"asset":  string(bid.PaymentAsset),
				"reason": "delisted",
			})
			m.refund(ctx, title, bid.PaymentAsset, bid.Bidder, bid.Amount, "bid_refund")
		}
		return nil
	})
}

// SetRented toggles a listing between LISTED and RENTED. Bids stay live
// but no new ones are taken while rented.
func (m *MarketService) SetRented(ctx context.Context, caller models.Address, title models.TitleID, rented bool) error {
	return m.run(ctx, access.OpRent, caller, func(ctx context.Context) error {
		rec, err := m.listings.Authorize(ctx, title, caller)
		if err != nil {
			return err
		}
		to, eventType := models.ListingStatusListed, events.EventListingRentEnded
		if rented {
			to, eventType = models.ListingStatusRented, events.EventListingRented
		}
		if err := m.listings.Transition(rec, to, m.clock()); err != nil {
			return err
		}
		m.emit(eventType, title, map[string]any{"holder": string(rec.Holder)})
		return nil
	})
}

// PlaceBid places or raises the bidder's bid. Only the increase over the
// bidder's current bid is collected.
func (m *MarketService) PlaceBid(ctx context.Context, bidder models.Address, title models.TitleID, amount *uint256.Int, assetID models.AssetID) (models.Bid, error) {
	var out models.Bid
	err := m.run(ctx, access.OpBid, bidder, func(ctx context.Context) error {
		rec, err := m.listings.Current(ctx, title)
		if err != nil {
			return err
		}
		if err := m.touch(ctx, rec); err != nil {
			return err
		}
		if rec.Status != models.ListingStatusListed {
			return models.ErrInvalidTransition
		}
		if bidder == rec.Holder {
			return models.ErrHolderCannotBuy
		}
		if !m.policy.IsAssetAccepted(assetID) {
			return models.ErrAssetNotAccepted
		}

		book := m.book(title)
		q, err := book.Quote(bidder, amount, assetID, m.bidTerms(rec))
		if err != nil {
			return err
		}

		got, err := m.ledger.Collect(ctx, assetID, bidder, q.Delta)
		if err != nil {
			return err
		}
		// Deflationary assets: the bid stands at what custody actually holds.
		effective := new(uint256.Int).Add(q.Previous, got)
		if effective.Lt(q.Minimum) || !effective.Gt(q.Previous) {
			m.refund(ctx, title, assetID, bidder, got, "short_payment")
			return models.ErrInsufficientPayment
		}

		book.Commit(bidder, effective, assetID, m.clock())
		m.emit(events.EventBidPlaced, title, map[string]any{
			"bidder":   string(bidder),
			"amount":   effective.Dec(),
			"previous": q.Previous.Dec(),
			"received": got.Dec(),
			"asset":    string(assetID),
		})
		out, _ = book.Get(bidder)
		return nil
	})
	return out, err
}

// CancelBid deactivates the bidder's bid and refunds it in full. It works
// on any record, including one left behind by a previous holder.
func (m *MarketService) CancelBid(ctx context.Context, bidder models.Address, title models.TitleID) error {
	return m.run(ctx, access.OpCancelBid, bidder, func(ctx context.Context) error {
		book, ok := m.books[title]
		if !ok {
			return models.ErrNoActiveBid
		}
		bid, err := book.Take(bidder)
		if err != nil {
			return err
		}
		m.emit(events.EventBidCancelled, title, map[string]any{
			"bidder": string(bid.Bidder),
			"amount": bid.Amount.Dec(),
			"asset":  string(bid.PaymentAsset),
			"reason": "cancelled",
		})
		m.refund(ctx, title, bid.PaymentAsset, bid.Bidder, bid.Amount, "bid_refund")
		return nil
	})
}

// CleanupBids compacts the title's bid book. Anyone may call it; nothing is
// emitted when there was nothing to remove.
func (m *MarketService) CleanupBids(ctx context.Context, caller models.Address, title models.TitleID) (removed, retained int, err error) {
	err = m.run(ctx, access.OpCleanup, caller, func(ctx context.Context) error {
		book, ok := m.books[title]
		if !ok {
			return nil
		}
		removed, retained = book.Cleanup()
		if removed > 0 {
			m.emit(events.EventBidBookCompacted, title, map[string]any{
				"removed":  removed,
				"retained": retained,
			})
		}
		return nil
	})
	return removed, retained, err
}

// ListingView is a listing with its bid book.
type ListingView struct {
	Listing    models.Listing `json:"listing"`
	Current    bool           `json:"current"`
	Bids       []models.Bid   `json:"bids"`
	HighestBid *models.Bid    `json:"highest_bid,omitempty"`
	MinNextBid *uint256.Int   `json:"min_next_bid,omitempty"`
}

func (m *MarketService) GetListing(ctx context.Context, title models.TitleID) (ListingView, error) {
	var (
		out ListingView
		err error
	)
	m.view(ctx, func() {
		rec, ok := m.listings.Record(title)
		if !ok {
			err = models.ErrNotListed
			return
		}
		out.Listing = rec.Clone()
		_, cerr := m.listings.Current(ctx, title)
		out.Current = cerr == nil

		book, ok := m.books[title]
		if !ok {
			book = bidbook.New()
		}
		out.Bids = book.All()
		if top, ok := book.Highest(); ok {
			out.HighestBid = &top
		}
		if out.Current && rec.Status == models.ListingStatusListed {
			if next, nerr := book.MinimumNext(m.bidTerms(rec)); nerr == nil {
				out.MinNextBid = next
			}
		}
	})
	return out, err
}

func (m *MarketService) ListListings(ctx context.Context, status string) []models.Listing {
	var out []models.Listing
	m.view(ctx, func() {
		out = m.listings.List(status)
	})
	return out
}

func (m *MarketService) Bids(ctx context.Context, title models.TitleID) []models.Bid {
	var out []models.Bid
	m.view(ctx, func() {
		if book, ok := m.books[title]; ok {
			out = book.All()
		}
	})
	return out
}

// BidAt returns the bid at index i of the title's book.
func (m *MarketService) BidAt(ctx context.Context, title models.TitleID, i int) (models.Bid, error) {
	var (
		out models.Bid
		err error
	)
	m.view(ctx, func() {
		book, ok := m.books[title]
		if !ok {
			err = models.ErrBidOutOfBounds
			return
		}
		out, err = book.At(i)
	})
	return out, err
}

func (m *MarketService) EscrowBalance(ctx context.Context, participant models.Address, assetID models.AssetID) *uint256.Int {
	var out *uint256.Int
	m.view(ctx, func() {
		out = m.ledger.Balance(participant, assetID)
	})
	return out
}

func (m *MarketService) EscrowBalances(ctx context.Context, participant models.Address) []models.EscrowBalance {
	var out []models.EscrowBalance
	m.view(ctx, func() {
		out = m.ledger.Balances(participant)
	})
	return out
}

func (m *MarketService) Accounting(ctx context.Context, assetID models.AssetID) models.Accounting {
	var out models.Accounting
	m.view(ctx, func() {
		out = m.ledger.Accounting(assetID)
	})
	return out
}

// requiredPurchase is the least a direct purchase must pay: the ask price,
// or the next valid bid if that is higher.
func (m *MarketService) requiredPurchase(rec *models.Listing) (*uint256.Int, error) {
	next, err := m.book(rec.Title).MinimumNext(m.bidTerms(rec))
	if err != nil {
		return nil, err
	}
	return money.Max(rec.AskPrice, next), nil
}
