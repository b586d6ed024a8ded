package asset

import (
	"context"
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"github.com/title-market/backend/internal/models"
)

var ErrInsufficientBalance = errors.New("insufficient token balance")

// ReceiveHook runs after value lands in a watched account. Returning an
// error reverts the transfer.
type ReceiveHook func(ctx context.Context, from models.Address, amount *uint256.Int) error

// Vault is an in-process ledger token. It backs fungible assets that
// live inside the marketplace and doubles as a scriptable counterparty.
type Vault struct {
	mu       sync.Mutex
	balances map[models.Address]*uint256.Int
	feeBps   uint64
	sink     models.Address
	hooks    map[models.Address]ReceiveHook
}

func NewVault() *Vault {
	return &Vault{
		balances: make(map[models.Address]*uint256.Int),
		hooks:    make(map[models.Address]ReceiveHook),
	}
}

var _ Token = (*Vault)(nil)

func (v *Vault) Mint(to models.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(to, amount)
}

// SetTransferFee burns bps of every transfer in transit.
func (v *Vault) SetTransferFee(bps uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feeBps = bps
}

func (v *Vault) OnReceive(addr models.Address, hook ReceiveHook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if hook == nil {
		delete(v.hooks, addr)
		return
	}
	v.hooks[addr] = hook
}

func (v *Vault) BalanceOf(_ context.Context, holder models.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[holder]; ok {
		return b.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (v *Vault) Transfer(ctx context.Context, from, to models.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	bal := v.balances[from]
	if bal == nil || bal.Lt(amount) {
		v.mu.Unlock()
		return ErrInsufficientBalance
	}
	burned, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(v.feeBps), uint256.NewInt(10_000))
	landed := new(uint256.Int).Sub(amount, burned)
	bal.Sub(bal, amount)
	v.credit(to, landed)
	v.credit(v.sink, burned)
	hook := v.hooks[to]
	v.mu.Unlock()

	if hook == nil {
		return nil
	}

	// A hook that ignores ctx is abandoned once ctx is done.
	done := make(chan error, 1)
	go func() { done <- hook(ctx, from, landed) }()
	var err error
	select {
	case err = <-done:
		if err == nil {
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		v.mu.Lock()
		v.balances[to].Sub(v.balances[to], landed)
		v.balances[v.sink].Sub(v.balances[v.sink], burned)
		v.credit(from, amount)
		v.mu.Unlock()
		return err
	}
	return nil
}

func (v *Vault) credit(to models.Address, amount *uint256.Int) {
	b, ok := v.balances[to]
	if !ok {
		b = new(uint256.Int)
		v.balances[to] = b
	}
	b.Add(b, amount)
}
