// Package access is the compliance and administration collaborator the
// market consults. Decisions are plain booleans; how they are reached is
// outside the market.
package access

import (
	"sync"

	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/models"
)

// Operation ids, each independently haltable.
const (
	OpList            = "list"
	OpUpdate          = "update"
	OpDelist          = "delist"
	OpRent            = "rent"
	OpBid             = "bid"
	OpCancelBid       = "cancel_bid"
	OpCleanup         = "cleanup"
	OpPurchase        = "purchase"
	OpRequestPurchase = "request_purchase"
	OpConfirm         = "confirm"
	OpReject          = "reject"
	OpExpire          = "expire"
	OpAcceptBid       = "accept_bid"
	OpCompletePayment = "complete_payment"
	OpWithdraw        = "withdraw"
)

// Operations lists every haltable operation id.
var Operations = []string{
	OpList, OpUpdate, OpDelist, OpRent, OpBid, OpCancelBid, OpCleanup,
	OpPurchase, OpRequestPurchase, OpConfirm, OpReject, OpExpire,
	OpAcceptBid, OpCompletePayment, OpWithdraw,
}

func IsKnownOperation(op string) bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

type Policy interface {
	IsPermitted(participant models.Address) bool
	IsAssetAccepted(asset models.AssetID) bool
	IsOperationHalted(op string) bool
	IsAdmin(participant models.Address) bool
	FeeRateBps() uint64
	FeeRecipient() models.Address
}

// StaticPolicy answers from configuration, with halts switchable at runtime.
type StaticPolicy struct {
	mu           sync.RWMutex
	allowed      map[models.Address]bool // empty = everyone permitted
	assets       map[models.AssetID]bool
	admins       map[models.Address]bool
	halted       map[string]bool
	feeBps       uint64
	feeRecipient models.Address
}

var _ Policy = (*StaticPolicy)(nil)

func NewStaticPolicy(cfg *config.Config) *StaticPolicy {
	p := &StaticPolicy{
		allowed:      make(map[models.Address]bool),
		assets:       make(map[models.AssetID]bool),
		admins:       make(map[models.Address]bool),
		halted:       make(map[string]bool),
		feeBps:       uint64(cfg.PlatformFeeBPS),
		feeRecipient: models.Address(cfg.FeeRecipient),
	}
	for _, a := range cfg.AllowedParticipants {
		p.allowed[models.Address(a)] = true
	}
	for _, a := range cfg.AcceptedAssets {
		p.assets[models.AssetID(a)] = true
	}
	for _, a := range cfg.AdminAddresses {
		p.admins[models.Address(a)] = true
	}
	for _, op := range cfg.HaltedOperations {
		p.halted[op] = true
	}
	return p
}

func (p *StaticPolicy) IsPermitted(participant models.Address) bool {
	if participant == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.allowed) == 0 || p.allowed[participant]
}

func (p *StaticPolicy) IsAssetAccepted(asset models.AssetID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.assets[asset]
}

func (p *StaticPolicy) IsOperationHalted(op string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.halted[op]
}

func (p *StaticPolicy) IsAdmin(participant models.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admins[participant]
}

func (p *StaticPolicy) FeeRateBps() uint64 { return p.feeBps }

func (p *StaticPolicy) FeeRecipient() models.Address { return p.feeRecipient }

func (p *StaticPolicy) Halt(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted[op] = true
}

func (p *StaticPolicy) Resume(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.halted, op)
}

// Allow adds a participant to the allowlist.
func (p *StaticPolicy) Allow(participant models.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed[participant] = true
}

func (p *StaticPolicy) AcceptAsset(asset models.AssetID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets[asset] = true
}
