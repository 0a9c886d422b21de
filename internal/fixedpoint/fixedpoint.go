package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"
)

// All asset, share, and NAV quantities are 18-decimal fixed-point values
// carried in uint256. Conversions use full-width multiplication with an
// explicit overflow flag; a manipulated or extreme NAV must fail loudly,
// never wrap.

// Scale is one whole unit: 10^18.
var Scale = uint256.MustFromDecimal("1000000000000000000")

var (
	// MinNAV is 1e-6 assets per share.
	MinNAV = uint256.MustFromDecimal("1000000000000")
	// MaxNAV is 1,000,000 assets per share.
	MaxNAV = uint256.MustFromDecimal("1000000000000000000000000")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// OverflowError reports a conversion whose intermediate product exceeds the
// 256-bit range.
type OverflowError struct {
	Op    string
	Input *uint256.Int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("conversion overflow in %s (input=%s)", e.Op, e.Input.Dec())
}

// NAVRangeError reports a NAV outside [MinNAV, MaxNAV].
type NAVRangeError struct {
	NAV *uint256.Int
}

func (e *NAVRangeError) Error() string {
	return fmt.Sprintf("nav out of range: %s not in [%s, %s]", e.NAV.Dec(), MinNAV.Dec(), MaxNAV.Dec())
}

func checkNAV(nav *uint256.Int) error {
	if nav.Lt(MinNAV) || nav.Gt(MaxNAV) {
		return &NAVRangeError{NAV: new(uint256.Int).Set(nav)}
	}
	return nil
}

// AssetsToShares converts an asset amount to shares at the given NAV:
// shares = assets * scale / nav. RoundDown is the deposit direction (vault
// keeps the rounding favor), RoundUp is the shares-burned-on-withdraw
// direction.
func AssetsToShares(assets, nav, scale *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if err := checkNAV(nav); err != nil {
		return nil, err
	}

	product, overflow := new(uint256.Int).MulOverflow(assets, scale)
	if overflow {
		return nil, &OverflowError{Op: "assetsToShares", Input: new(uint256.Int).Set(assets)}
	}

	return divide(product, nav, mode), nil
}

// SharesToAssets converts a share amount to assets at the given NAV:
// assets = shares * nav / scale.
func SharesToAssets(shares, nav, scale *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if err := checkNAV(nav); err != nil {
		return nil, err
	}

	product, overflow := new(uint256.Int).MulOverflow(shares, nav)
	if overflow {
		return nil, &OverflowError{Op: "sharesToAssets", Input: new(uint256.Int).Set(shares)}
	}

	return divide(product, scale, mode), nil
}

func divide(num, denom *uint256.Int, mode RoundingMode) *uint256.Int {
	quot := new(uint256.Int)
	rem := new(uint256.Int)
	quot.DivMod(num, denom, rem)

	if mode == RoundUp && !rem.IsZero() {
		quot.AddUint64(quot, 1)
	}

	return quot
}

// RoundTripLoss returns the absolute difference between amount and the result
// of converting it to shares and back at the given NAV (both legs rounded
// down). Used by the oracle's conversion sanity check.
func RoundTripLoss(amount, nav, scale *uint256.Int) (*uint256.Int, error) {
	shares, err := AssetsToShares(amount, nav, scale, RoundDown)
	if err != nil {
		return nil, err
	}

	back, err := SharesToAssets(shares, nav, scale, RoundDown)
	if err != nil {
		return nil, err
	}

	if back.Gt(amount) {
		return new(uint256.Int).Sub(back, amount), nil
	}
	return new(uint256.Int).Sub(amount, back), nil
}

// Units converts a whole-unit count to 18-decimal fixed point.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Scale)
}
