package ton

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/models"
)

const payoutComment = "title-market payout"

// Sender pays nanoTON out of the hot wallet.
type Sender interface {
	Send(ctx context.Context, to string, nano *big.Int, comment string) error
	Balance(ctx context.Context) (*big.Int, error)
	Address() string
}

// Deposits holds participant funds that reached the hot wallet.
type Deposits interface {
	Consume(ctx context.Context, participant string, nano uint64) error
	Balance(ctx context.Context, participant string) (uint64, error)
}

// HotWallet is the native asset Token. Inbound transfers draw on deposits
// credited by the indexer; outbound transfers go on-chain.
type HotWallet struct {
	custody  models.Address
	deposits Deposits
	sender   Sender
	log      *zap.Logger
}

func NewHotWallet(sender Sender, deposits Deposits, log *zap.Logger) *HotWallet {
	return &HotWallet{
		custody:  models.Address(sender.Address()),
		deposits: deposits,
		sender:   sender,
		log:      log,
	}
}

// Custody is the address the rail holds funds under.
func (h *HotWallet) Custody() models.Address { return h.custody }

func (h *HotWallet) BalanceOf(ctx context.Context, holder models.Address) (*uint256.Int, error) {
	if holder == h.custody {
		b, err := h.sender.Balance(ctx)
		if err != nil {
			return nil, err
		}
		out, overflow := uint256.FromBig(b)
		if overflow {
			return nil, models.ErrAmountOverflow
		}
		return out, nil
	}
	v, err := h.deposits.Balance(ctx, string(holder))
	if err != nil {
		return nil, err
	}
	return uint256.NewInt(v), nil
}

func (h *HotWallet) Transfer(ctx context.Context, from, to models.Address, amount *uint256.Int) error {
	switch {
	case to == h.custody && from != h.custody:
		if !amount.IsUint64() {
			return models.ErrAmountOverflow
		}
		return h.deposits.Consume(ctx, string(from), amount.Uint64())
	case from == h.custody && to != h.custody:
		if err := h.sender.Send(ctx, string(to), amount.ToBig(), payoutComment); err != nil {
			return err
		}
		h.log.Info("ton payout sent",
			zap.String("to", string(to)),
			zap.String("nano", amount.Dec()),
		)
		return nil
	default:
		return fmt.Errorf("unsupported transfer %s -> %s", from, to)
	}
}

// WalletSender signs payouts with a V4R2 wallet derived from a seed phrase.
type WalletSender struct {
	api ton.APIClientWrapped
	w   *wallet.Wallet
}

func NewWalletSender(api ton.APIClientWrapped, seed string) (*WalletSender, error) {
	words := strings.Fields(seed)
	if len(words) == 0 {
		return nil, fmt.Errorf("empty wallet seed")
	}
	w, err := wallet.FromSeed(api, words, wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("wallet from seed: %w", err)
	}
	return &WalletSender{api: api, w: w}, nil
}

func (s *WalletSender) Address() string {
	return s.w.WalletAddress().StringRaw()
}

func (s *WalletSender) Send(ctx context.Context, to string, nano *big.Int, comment string) error {
	dst, err := parseDestination(to)
	if err != nil {
		return err
	}
	if err := s.w.Transfer(ctx, dst, tlb.FromNanoTON(nano), comment); err != nil {
		return fmt.Errorf("ton transfer to %s: %w", to, err)
	}
	return nil
}

func (s *WalletSender) Balance(ctx context.Context) (*big.Int, error) {
	block, err := s.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	coins, err := s.w.GetBalance(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return coins.Nano(), nil
}

// parseDestination accepts both raw "wc:hex" and user-friendly addresses.
func parseDestination(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}
