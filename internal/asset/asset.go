// Package asset models payment rails. Every payment asset, native or
// fungible, is reached through the same Token capability, and a Rail
// wraps it to report the amount that actually moved.
package asset

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"

	"github.com/title-market/backend/internal/models"
)

// Token is a transferable payment asset. Transfer must return once ctx is
// done, whatever the recipient does; a transfer that fails after ctx expires
// must leave balances as they were.
type Token interface {
	BalanceOf(ctx context.Context, holder models.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to models.Address, amount *uint256.Int) error
}

// Rail moves one asset in and out of custody.
type Rail struct {
	ID      models.AssetID
	token   Token
	custody models.Address

	deflationary atomic.Bool
}

func NewRail(id models.AssetID, token Token, custody models.Address) *Rail {
	return &Rail{ID: id, token: token, custody: custody}
}

func (r *Rail) Custody() models.Address { return r.custody }

func (r *Rail) Deflationary() bool { return r.deflationary.Load() }

// Receive pulls amount from a participant into custody and returns what
// arrived. For deflationary assets that is the custody balance delta.
func (r *Rail) Receive(ctx context.Context, from models.Address, amount *uint256.Int) (*uint256.Int, error) {
	if !r.Deflationary() {
		if err := r.token.Transfer(ctx, from, r.custody, amount); err != nil {
			return nil, fmt.Errorf("receive %s from %s: %w", r.ID, from, err)
		}
		return amount.Clone(), nil
	}
	return r.measured(ctx, r.custody, func() error {
		return r.token.Transfer(ctx, from, r.custody, amount)
	})
}

// Send pays amount out of custody and returns what the recipient got.
func (r *Rail) Send(ctx context.Context, to models.Address, amount *uint256.Int) (*uint256.Int, error) {
	if !r.Deflationary() {
		if err := r.token.Transfer(ctx, r.custody, to, amount); err != nil {
			return nil, fmt.Errorf("send %s to %s: %w", r.ID, to, err)
		}
		return amount.Clone(), nil
	}
	return r.measured(ctx, to, func() error {
		return r.token.Transfer(ctx, r.custody, to, amount)
	})
}

// CustodyBalance is the on-asset balance of the custody account.
func (r *Rail) CustodyBalance(ctx context.Context) (*uint256.Int, error) {
	return r.token.BalanceOf(ctx, r.custody)
}

func (r *Rail) measured(ctx context.Context, holder models.Address, transfer func() error) (*uint256.Int, error) {
	before, err := r.token.BalanceOf(ctx, holder)
	if err != nil {
		return nil, fmt.Errorf("balance before: %w", err)
	}
	if err := transfer(); err != nil {
		return nil, fmt.Errorf("transfer %s: %w", r.ID, err)
	}
	after, err := r.token.BalanceOf(ctx, holder)
	if err != nil {
		return nil, fmt.Errorf("balance after: %w", err)
	}
	if after.Lt(before) {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(after, before), nil
}

// Registry resolves rails by asset id.
type Registry struct {
	mu    sync.RWMutex
	rails map[models.AssetID]*Rail
}

func NewRegistry() *Registry {
	return &Registry{rails: make(map[models.AssetID]*Rail)}
}

func (g *Registry) Register(r *Rail) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rails[r.ID] = r
}

func (g *Registry) Rail(id models.AssetID) (*Rail, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rails[id]
	if !ok {
		return nil, models.ErrAssetNotAccepted
	}
	return r, nil
}

func (g *Registry) SetDeflationary(id models.AssetID, on bool) error {
	r, err := g.Rail(id)
	if err != nil {
		return err
	}
	r.deflationary.Store(on)
	return nil
}

// IDs lists the registered assets.
func (g *Registry) IDs() []models.AssetID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.AssetID, 0, len(g.rails))
	for id := range g.rails {
		out = append(out, id)
	}
	return out
}
