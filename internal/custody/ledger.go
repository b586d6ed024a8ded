// Package custody holds participant value for pending transactions and
// releases it exactly once, either as a direct push or through an
// escrow balance the participant withdraws later.
//
// The ledger is not safe for concurrent use. The market serializes every
// call behind its operation lock; only InFlight may be read from outside it.
package custody

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/asset"
	"github.com/title-market/backend/internal/events"
	"github.com/title-market/backend/internal/models"
)

// Notifier receives ledger notifications. The market buffers them with
// the rest of the operation's events.
type Notifier interface {
	Notify(eventType string, title models.TitleID, payload map[string]any)
}

// Push is an outbound payment out of held funds.
type Push struct {
	Title  models.TitleID
	Asset  models.AssetID
	To     models.Address
	Amount *uint256.Int
	Reason string
}

type escrowKey struct {
	participant models.Address
	asset       models.AssetID
}

type Ledger struct {
	rails       *asset.Registry
	notify      Notifier
	pushTimeout time.Duration
	log         *zap.Logger

	books    map[models.AssetID]*models.Accounting
	balances map[escrowKey]*uint256.Int

	inflight atomic.Int32
}

func NewLedger(rails *asset.Registry, notify Notifier, pushTimeout time.Duration, log *zap.Logger) *Ledger {
	return &Ledger{
		rails:       rails,
		notify:      notify,
		pushTimeout: pushTimeout,
		log:         log,
		books:       make(map[models.AssetID]*models.Accounting),
		balances:    make(map[escrowKey]*uint256.Int),
	}
}

func (l *Ledger) book(id models.AssetID) *models.Accounting {
	b, ok := l.books[id]
	if !ok {
		b = &models.Accounting{
			Asset:        id,
			Received:     new(uint256.Int),
			Disbursed:    new(uint256.Int),
			Held:         new(uint256.Int),
			Escrowed:     new(uint256.Int),
			EmergencyOut: new(uint256.Int),
		}
		l.books[id] = b
	}
	return b
}

// InFlight reports whether an external transfer is outstanding.
func (l *Ledger) InFlight() bool {
	return l.inflight.Load() > 0
}

func (l *Ledger) external(fn func() (*uint256.Int, error)) (*uint256.Int, error) {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)
	return fn()
}

// Collect pulls a participant's payment into custody and holds what arrived.
func (l *Ledger) Collect(ctx context.Context, id models.AssetID, from models.Address, amount *uint256.Int) (*uint256.Int, error) {
	rail, err := l.rails.Rail(id)
	if err != nil {
		return nil, err
	}
	got, err := l.external(func() (*uint256.Int, error) {
		return rail.Receive(ctx, from, amount)
	})
	if err != nil {
		return nil, err
	}
	b := l.book(id)
	b.Received.Add(b.Received, got)
	b.Held.Add(b.Held, got)
	return got, nil
}

// Credit moves held funds into a participant's escrow balance. It never fails.
func (l *Ledger) Credit(id models.AssetID, participant models.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	b := l.book(id)
	l.release(b, amount)
	b.Escrowed.Add(b.Escrowed, amount)

	key := escrowKey{participant, id}
	bal, ok := l.balances[key]
	if !ok {
		bal = new(uint256.Int)
		l.balances[key] = bal
	}
	bal.Add(bal, amount)
}

// AttemptPush sends held funds to the recipient. A failed or timed-out
// push is credited to the recipient's escrow balance instead, so the
// caller's operation always proceeds. It returns what was delivered and
// whether the push fell back to escrow.
func (l *Ledger) AttemptPush(ctx context.Context, p Push) (*uint256.Int, bool) {
	if p.Amount.IsZero() {
		return new(uint256.Int), false
	}

	rail, err := l.rails.Rail(p.Asset)
	if err == nil {
		b := l.book(p.Asset)
		l.release(b, p.Amount)

		pctx, cancel := l.withTimeout(ctx)
		var delivered *uint256.Int
		delivered, err = l.external(func() (*uint256.Int, error) {
			return rail.Send(pctx, p.To, p.Amount)
		})
		cancel()
		if err == nil {
			b.Disbursed.Add(b.Disbursed, p.Amount)
			l.notify.Notify(events.EventPaymentPushed, p.Title, map[string]any{
				"asset":     string(p.Asset),
				"recipient": string(p.To),
				"amount":    p.Amount.Dec(),
				"delivered": delivered.Dec(),
				"reason":    p.Reason,
			})
			return delivered, false
		}
		// Undo the release; Credit takes it from held again.
		b.Held.Add(b.Held, p.Amount)
	}

	l.log.Warn("push failed, escrowing",
		zap.String("title", string(p.Title)),
		zap.String("asset", string(p.Asset)),
		zap.String("recipient", string(p.To)),
		zap.String("amount", p.Amount.Dec()),
		zap.String("reason", p.Reason),
		zap.Error(err),
	)
	l.Credit(p.Asset, p.To, p.Amount)
	l.notify.Notify(events.EventPushFailedEscrowed, p.Title, map[string]any{
		"asset":     string(p.Asset),
		"recipient": string(p.To),
		"amount":    p.Amount.Dec(),
		"reason":    p.Reason,
		"error":     err.Error(),
	})
	return new(uint256.Int), true
}

// Withdraw pays out a participant's escrow balance. The balance is zeroed
// before the transfer and restored only if the transfer fails.
func (l *Ledger) Withdraw(ctx context.Context, id models.AssetID, participant models.Address) (*uint256.Int, error) {
	key := escrowKey{participant, id}
	bal, ok := l.balances[key]
	if !ok || bal.IsZero() {
		return nil, models.ErrNoPendingBalance
	}
	rail, err := l.rails.Rail(id)
	if err != nil {
		return nil, err
	}

	amount := bal.Clone()
	delete(l.balances, key)
	b := l.book(id)
	b.Escrowed.Sub(b.Escrowed, amount)

	pctx, cancel := l.withTimeout(ctx)
	delivered, err := l.external(func() (*uint256.Int, error) {
		return rail.Send(pctx, participant, amount)
	})
	cancel()
	if err != nil {
		l.balances[key] = amount
		b.Escrowed.Add(b.Escrowed, amount)
		return nil, err
	}
	b.Disbursed.Add(b.Disbursed, amount)

	l.notify.Notify(events.EventEscrowWithdrawn, "", map[string]any{
		"asset":       string(id),
		"participant": string(participant),
		"amount":      amount.Dec(),
		"delivered":   delivered.Dec(),
	})
	return amount, nil
}

// EmergencyWithdraw sends custody funds straight to recipient, outside the
// conservation bookkeeping. Tracked separately as EmergencyOut.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, id models.AssetID, amount *uint256.Int, recipient, actor models.Address) error {
	if amount.IsZero() {
		return models.ErrZeroAmount
	}
	rail, err := l.rails.Rail(id)
	if err != nil {
		return err
	}
	_, err = l.external(func() (*uint256.Int, error) {
		return rail.Send(ctx, recipient, amount)
	})
	if err != nil {
		l.log.Error("emergency withdrawal failed",
			zap.Bool("emergency", true),
			zap.String("asset", string(id)),
			zap.String("recipient", string(recipient)),
			zap.String("actor", string(actor)),
			zap.Error(err),
		)
		return err
	}
	b := l.book(id)
	b.EmergencyOut.Add(b.EmergencyOut, amount)

	l.log.Warn("emergency withdrawal executed",
		zap.Bool("emergency", true),
		zap.String("audit", "emergency_withdrawal"),
		zap.String("asset", string(id)),
		zap.String("amount", amount.Dec()),
		zap.String("recipient", string(recipient)),
		zap.String("actor", string(actor)),
	)
	l.notify.Notify(events.EventEmergencyWithdrawal, "", map[string]any{
		"asset":     string(id),
		"amount":    amount.Dec(),
		"recipient": string(recipient),
		"actor":     string(actor),
	})
	return nil
}

func (l *Ledger) Balance(participant models.Address, id models.AssetID) *uint256.Int {
	if bal, ok := l.balances[escrowKey{participant, id}]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// Accounting returns a copy of the asset's bookkeeping.
func (l *Ledger) Accounting(id models.AssetID) models.Accounting {
	b := l.book(id)
	return models.Accounting{
		Asset:        id,
		Received:     b.Received.Clone(),
		Disbursed:    b.Disbursed.Clone(),
		Held:         b.Held.Clone(),
		Escrowed:     b.Escrowed.Clone(),
		EmergencyOut: b.EmergencyOut.Clone(),
	}
}

// Balances lists every non-zero escrow balance for the participant.
func (l *Ledger) Balances(participant models.Address) []models.EscrowBalance {
	var out []models.EscrowBalance
	for k, v := range l.balances {
		if k.participant == participant && !v.IsZero() {
			out = append(out, models.EscrowBalance{Participant: participant, Asset: k.asset, Amount: v.Clone()})
		}
	}
	return out
}

func (l *Ledger) release(b *models.Accounting, amount *uint256.Int) {
	if b.Held.Lt(amount) {
		l.log.Error("custody release exceeds held funds",
			zap.String("asset", string(b.Asset)),
			zap.String("held", b.Held.Dec()),
			zap.String("amount", amount.Dec()),
		)
		b.Held.Clear()
		return
	}
	b.Held.Sub(b.Held, amount)
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.pushTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.pushTimeout)
}
