// Package money holds the amount arithmetic shared by the bid book and
// settlement. Every operation reports overflow instead of wrapping.
package money

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/title-market/backend/internal/models"
)

// BasisPoints is the denominator for increment and fee rates.
const BasisPoints = 10_000

var denominator = uint256.NewInt(BasisPoints)

// MinNextBid returns ceil(highest * (1 + bps/10000)).
//
// highest*(10000+bps) can overflow for large prices, so the product is
// split as highest = q*10000 + r and computed as highest + q*bps + ceil(r*bps/10000).
func MinNextBid(highest *uint256.Int, bps uint64) (*uint256.Int, error) {
	if bps == 0 {
		return highest.Clone(), nil
	}
	rate := uint256.NewInt(bps)

	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(highest, denominator, r)

	bulk, overflow := new(uint256.Int).MulOverflow(q, rate)
	if overflow {
		return nil, models.ErrAmountOverflow
	}

	tail, overflow := new(uint256.Int).MulOverflow(r, rate)
	if overflow {
		return nil, models.ErrAmountOverflow
	}
	tail.AddUint64(tail, BasisPoints-1)
	tail.Div(tail, denominator)

	out, overflow := new(uint256.Int).AddOverflow(highest, bulk)
	if overflow {
		return nil, models.ErrAmountOverflow
	}
	if _, overflow = out.AddOverflow(out, tail); overflow {
		return nil, models.ErrAmountOverflow
	}
	return out, nil
}

// SplitFee divides amount into the platform fee (floored) and the remainder.
func SplitFee(amount *uint256.Int, bps uint64) (fee, rest *uint256.Int) {
	if bps > BasisPoints {
		bps = BasisPoints
	}
	fee, _ = new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(bps), denominator)
	rest = new(uint256.Int).Sub(amount, fee)
	return fee, rest
}

// Max returns the larger of a and b.
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return b
	}
	return a
}

// Sum adds amounts, failing on overflow.
func Sum(amounts ...*uint256.Int) (*uint256.Int, error) {
	out := new(uint256.Int)
	for _, a := range amounts {
		if _, overflow := out.AddOverflow(out, a); overflow {
			return nil, models.ErrAmountOverflow
		}
	}
	return out, nil
}

// Parse reads a positive decimal amount as sent by clients.
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if v.IsZero() {
		return nil, models.ErrZeroAmount
	}
	return v, nil
}

// ParseOptional is Parse that maps "" to zero.
func ParseOptional(s string) (*uint256.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(uint256.Int), nil
	}
	return Parse(s)
}
