package vault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrPaused rejects user-facing operations while the vault is halted.
var ErrPaused = errors.New("vault is paused")

// ErrZeroShares rejects a deposit so small it would mint nothing at the
// current NAV. Accepting it would silently donate the assets to existing
// holders.
var ErrZeroShares = errors.New("amount too small to mint shares at current NAV")

// InsufficientLiquidityError means the vault custody account does not hold
// enough assets to serve a withdrawal right now. The shares remain valid;
// the holder retries after liquidity returns.
type InsufficientLiquidityError struct {
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: requested %s, custody holds %s",
		e.Requested.Dec(), e.Available.Dec())
}

// AllowanceError means a spender tried to move more owner shares than the
// owner approved.
type AllowanceError struct {
	Owner     uuid.UUID
	Spender   uuid.UUID
	Requested *uint256.Int
	Allowed   *uint256.Int
}

func (e *AllowanceError) Error() string {
	return fmt.Sprintf("share allowance exceeded: spender %s requested %s of owner %s, allowed %s",
		e.Spender, e.Requested.Dec(), e.Owner, e.Allowed.Dec())
}

// ConversionRiskError rejects a NAV whose round-trip conversion loses more
// than the acceptable rounding error, or overflows outright.
type ConversionRiskError struct {
	NAV  *uint256.Int
	Loss *uint256.Int
}

func (e *ConversionRiskError) Error() string {
	if e.Loss != nil {
		return fmt.Sprintf("conversion overflow risk: nav %s loses %s per unit on round trip", e.NAV.Dec(), e.Loss.Dec())
	}
	return fmt.Sprintf("conversion overflow risk: nav %s overflows round trip", e.NAV.Dec())
}
