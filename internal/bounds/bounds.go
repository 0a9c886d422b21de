package bounds

import (
	"fmt"

	"github.com/holiman/uint256"

	"NAVVault/internal/fixedpoint"
)

// Hard system-wide ceilings. These exist independently of the admin-mutable
// business limits and cannot be raised at runtime.
var (
	// MaxTotalAssets is 1e9 asset units.
	MaxTotalAssets = fixedpoint.Units(1_000_000_000)
	// MaxSingleDeposit is 1e7 asset units.
	MaxSingleDeposit = fixedpoint.Units(10_000_000)
	// MaxSharesSupply is 1e9 share units.
	MaxSharesSupply = fixedpoint.Units(1_000_000_000)
)

const (
	// MaxNAVChangeBpsCeiling caps the configurable per-update NAV move at 50%.
	MaxNAVChangeBpsCeiling = 5000
	// SignificantNAVChangeBps is the 1% threshold that starts the
	// withdrawal quiet period.
	SignificantNAVChangeBps = 100

	bpsDenominator = 10_000
)

// ViolationError reports a value outside its limit. Always recoverable by the
// caller adjusting input.
type ViolationError struct {
	Field string
	Value *uint256.Int
	Limit *uint256.Int
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("bounds violation: %s=%s exceeds limit %s", e.Field, e.Value.Dec(), e.Limit.Dec())
}

func violation(field string, value, limit *uint256.Int) error {
	return &ViolationError{
		Field: field,
		Value: new(uint256.Int).Set(value),
		Limit: new(uint256.Int).Set(limit),
	}
}

// CheckNAV validates a proposed NAV against the design range.
func CheckNAV(nav *uint256.Int) error {
	if nav.Lt(fixedpoint.MinNAV) {
		return violation("nav", nav, fixedpoint.MinNAV)
	}
	if nav.Gt(fixedpoint.MaxNAV) {
		return violation("nav", nav, fixedpoint.MaxNAV)
	}
	return nil
}

// CheckTotalAssets validates a proposed total-managed-assets figure against
// the hard ceiling.
func CheckTotalAssets(total *uint256.Int) error {
	if total.Gt(MaxTotalAssets) {
		return violation("totalAssets", total, MaxTotalAssets)
	}
	return nil
}

// CheckSingleDeposit validates one deposit against the hard per-call ceiling.
func CheckSingleDeposit(amount *uint256.Int) error {
	if amount.Gt(MaxSingleDeposit) {
		return violation("depositAmount", amount, MaxSingleDeposit)
	}
	return nil
}

// CheckShareSupply validates the share supply that would result from a mint.
func CheckShareSupply(supply *uint256.Int) error {
	if supply.Gt(MaxSharesSupply) {
		return violation("shareSupply", supply, MaxSharesSupply)
	}
	return nil
}

// ChangeBps returns |newVal-oldVal| * 10000 / oldVal. oldVal must be nonzero.
func ChangeBps(oldVal, newVal *uint256.Int) (uint64, error) {
	if oldVal.IsZero() {
		return 0, fmt.Errorf("change bps: zero base value")
	}

	var diff uint256.Int
	if newVal.Gt(oldVal) {
		diff.Sub(newVal, oldVal)
	} else {
		diff.Sub(oldVal, newVal)
	}

	scaled, overflow := new(uint256.Int).MulOverflow(&diff, uint256.NewInt(bpsDenominator))
	if overflow {
		return 0, fmt.Errorf("change bps: overflow computing %s vs %s", oldVal.Dec(), newVal.Dec())
	}
	scaled.Div(scaled, oldVal)

	if !scaled.IsUint64() {
		// Far beyond any configurable limit; saturate.
		return ^uint64(0), nil
	}
	return scaled.Uint64(), nil
}

// CheckNAVChange validates the magnitude of a NAV move against the configured
// basis-point limit.
func CheckNAVChange(oldNAV, newNAV *uint256.Int, maxChangeBps uint64) error {
	changed, err := ChangeBps(oldNAV, newNAV)
	if err != nil {
		return err
	}
	if changed > maxChangeBps {
		return violation("navChange", uint256.NewInt(changed), uint256.NewInt(maxChangeBps))
	}
	return nil
}

// CheckTotalAssetsDeviation validates an oracle-reported total against the
// verifiable floor (the vault's observed ledger balance) and the drift
// ceiling (previousTotal grown by deviationBps).
func CheckTotalAssetsDeviation(proposed, previousTotal, observedBalance *uint256.Int, deviationBps uint64) error {
	if proposed.Lt(observedBalance) {
		return violation("totalAssets", proposed, observedBalance)
	}

	headroom, overflow := new(uint256.Int).MulOverflow(previousTotal, uint256.NewInt(deviationBps))
	if overflow {
		return violation("totalAssets", proposed, previousTotal)
	}
	headroom.Div(headroom, uint256.NewInt(bpsDenominator))
	ceiling := new(uint256.Int).Add(previousTotal, headroom)

	if proposed.Gt(ceiling) {
		return violation("totalAssets", proposed, ceiling)
	}
	return nil
}
