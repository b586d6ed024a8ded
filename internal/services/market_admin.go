package services

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/access"
	"github.com/title-market/backend/internal/events"
	"github.com/title-market/backend/internal/models"
)

// Withdraw pays the caller's escrow balance in one asset.
func (m *MarketService) Withdraw(ctx context.Context, caller models.Address, assetID models.AssetID) (*uint256.Int, error) {
	var out *uint256.Int
	err := m.run(ctx, access.OpWithdraw, caller, func(ctx context.Context) error {
		amount, err := m.ledger.Withdraw(ctx, assetID, caller)
		if err != nil {
			return err
		}
		out = amount
		return nil
	})
	return out, err
}

// SweepExpired expires every PENDING_CONFIRMATION listing past its deadline.
func (m *MarketService) SweepExpired(ctx context.Context) (int, error) {
	var n int
	err := m.run(ctx, "", "", func(ctx context.Context) error {
		for _, id := range m.listings.Overdue(m.clock()) {
			rec, ok := m.listings.Record(id)
			if !ok {
				continue
			}
			if err := m.expireConfirmation(ctx, rec, "sweep", ""); err != nil {
				m.log.Error("sweep: expire failed", zap.String("title", string(id)), zap.Error(err))
				continue
			}
			n++
		}
		return nil
	})
	if n > 0 {
		m.log.Info("sweep expired pending confirmations", zap.Int("count", n))
	}
	return n, err
}

// ForceExpirePendingPayment cancels an accepted bid whose payment deadline
// has passed. The buyer's funds are refunded and the listing relists.
func (m *MarketService) ForceExpirePendingPayment(ctx context.Context, caller models.Address, title models.TitleID) error {
	if err := m.admin(caller); err != nil {
		return err
	}
	return m.run(ctx, "", "", func(ctx context.Context) error {
		rec, ok := m.listings.Record(title)
		if !ok || rec.Status != models.ListingStatusPendingPayment || rec.Pending == nil {
			return models.ErrNoPendingPurchase
		}
		if !models.IsExpired(rec.Pending, m.clock()) {
			return models.ErrDeadlineNotReached
		}
		p := rec.Pending
		if err := m.listings.Transition(rec, models.ListingStatusListed, m.clock()); err != nil {
			return err
		}
		rec.Pending = nil
		m.emit(events.EventPaymentExpired, title, map[string]any{
			"buyer":    string(p.Counterparty),
			"amount":   p.Deposited.Dec(),
			"asset":    string(p.PaymentAsset),
			"deadline": p.Deadline.Unix(),
			"actor":    string(caller),
		})
		m.refund(ctx, title, p.PaymentAsset, p.Counterparty, p.Deposited, "payment_refund")
		return nil
	})
}

func (m *MarketService) ForceExpirePendingConfirmation(ctx context.Context, caller models.Address, title models.TitleID) error {
	if err := m.admin(caller); err != nil {
		return err
	}
	return m.run(ctx, "", "", func(ctx context.Context) error {
		rec, ok := m.listings.Record(title)
		if !ok || rec.Status != models.ListingStatusPendingConfirmation || rec.Pending == nil {
			return models.ErrNoPendingPurchase
		}
		if !models.IsExpired(rec.Pending, m.clock()) {
			return models.ErrDeadlineNotReached
		}
		return m.expireConfirmation(ctx, rec, "admin", caller)
	})
}

func (m *MarketService) SetAssetDeflationary(ctx context.Context, caller models.Address, assetID models.AssetID, on bool) error {
	if err := m.admin(caller); err != nil {
		return err
	}
	return m.run(ctx, "", "", func(ctx context.Context) error {
		if err := m.rails.SetDeflationary(assetID, on); err != nil {
			return err
		}
		m.emit(events.EventAssetDeflationarySet, "", map[string]any{
			"asset":        string(assetID),
			"deflationary": on,
			"actor":        string(caller),
		})
		return nil
	})
}

// EmergencyWithdraw moves custody funds out without touching participant
// balances. Admin only; logged apart from normal payouts.
func (m *MarketService) EmergencyWithdraw(ctx context.Context, caller models.Address, assetID models.AssetID, amount *uint256.Int, recipient models.Address) error {
	if err := m.admin(caller); err != nil {
		return err
	}
	if amount == nil {
		return models.ErrZeroAmount
	}
	return m.run(ctx, "", "", func(ctx context.Context) error {
		return m.ledger.EmergencyWithdraw(ctx, assetID, amount, recipient, caller)
	})
}

type haltSwitch interface {
	Halt(op string)
	Resume(op string)
}

func (m *MarketService) SetOperationHalted(ctx context.Context, caller models.Address, op string, halted bool) error {
	if err := m.admin(caller); err != nil {
		return err
	}
	if !access.IsKnownOperation(op) {
		return models.ErrUnknownOperation
	}
	sw, ok := m.policy.(haltSwitch)
	if !ok {
		return fmt.Errorf("policy does not support runtime halts")
	}
	return m.run(ctx, "", "", func(ctx context.Context) error {
		eventType := events.EventOperationResumed
		if halted {
			sw.Halt(op)
			eventType = events.EventOperationHalted
		} else {
			sw.Resume(op)
		}
		m.emit(eventType, "", map[string]any{"operation": op, "actor": string(caller)})
		return nil
	})
}

type ownerSetter interface {
	SetOwner(ctx context.Context, id models.TitleID, owner models.Address) error
}

// SetTitleOwner mirrors an ownership change reported by the title issuer.
// Listings opened by the previous holder stop being current.
func (m *MarketService) SetTitleOwner(ctx context.Context, caller models.Address, title models.TitleID, owner models.Address) error {
	if err := m.admin(caller); err != nil {
		return err
	}
	setter, ok := m.titles.(ownerSetter)
	if !ok {
		return fmt.Errorf("title registry is read-only")
	}
	return m.run(ctx, "", "", func(ctx context.Context) error {
		if err := setter.SetOwner(ctx, title, owner); err != nil {
			return err
		}
		m.log.Info("title owner synced",
			zap.String("title", string(title)),
			zap.String("owner", string(owner)),
			zap.String("actor", string(caller)),
		)
		return nil
	})
}

func (m *MarketService) TitleOwner(ctx context.Context, title models.TitleID) (models.Address, error) {
	return m.titles.OwnerOf(ctx, title)
}
