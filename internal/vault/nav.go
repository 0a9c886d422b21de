package vault

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"NAVVault/internal/bounds"
	"NAVVault/internal/event"
	"NAVVault/internal/fixedpoint"
	"NAVVault/internal/gate"
	"NAVVault/internal/roles"
)

// navMinUpdateInterval is the fixed minimum spacing between oracle NAV
// updates. Not configurable: an admin who could shrink it could also
// smuggle large moves through as many small ones.
const navMinUpdateInterval = 6 * time.Hour

// UpdateNAV is the oracle entrypoint. It revalues every share at once, so
// it is the most dangerous operation in the system and runs the full check
// ladder: role, update spacing, NAV range, move magnitude, total-assets
// deviation against the observed custody balance, and a round-trip
// conversion sanity check. A move of at least SignificantNAVChangeBps
// starts the withdrawal quiet period.
func (v *Vault) UpdateNAV(cap roles.Capability, newNAV, newTotalAssets *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe("update_nav", time.Now())

	if err := roles.Require(cap, roles.RoleOracle); err != nil {
		return v.reject("update_nav", cap.Principal, err)
	}

	now := v.clk.Now()
	if !v.lastNAVUpdate.IsZero() {
		if deadline := v.lastNAVUpdate.Add(navMinUpdateInterval); now.Before(deadline) {
			return v.reject("update_nav", cap.Principal, &gate.NotElapsedError{
				Constraint: "navUpdateInterval",
				Remaining:  deadline.Sub(now),
			})
		}
	}

	if err := bounds.CheckNAV(newNAV); err != nil {
		return v.reject("update_nav", cap.Principal, err)
	}
	if err := bounds.CheckTotalAssets(newTotalAssets); err != nil {
		return v.reject("update_nav", cap.Principal, err)
	}
	if err := bounds.CheckNAVChange(v.nav, newNAV, v.cfg.MaxNAVChangeBps); err != nil {
		return v.reject("update_nav", cap.Principal, err)
	}
	if err := bounds.CheckTotalAssetsDeviation(
		newTotalAssets, v.totalManagedAssets, v.ledger.BalanceOf(v.custody),
		v.cfg.MaxTotalAssetsDeviationBps,
	); err != nil {
		return v.reject("update_nav", cap.Principal, err)
	}

	// Shares stay outstanding across the update; a total of zero while
	// supply is nonzero would strand every holder.
	if newTotalAssets.IsZero() && !v.totalShareSupply.IsZero() {
		return v.reject("update_nav", cap.Principal, &bounds.ViolationError{
			Field: "totalAssets",
			Value: new(uint256.Int),
			Limit: new(uint256.Int).Set(v.totalShareSupply),
		})
	}

	if err := v.checkConversionSanity(newNAV); err != nil {
		return v.reject("update_nav", cap.Principal, err)
	}

	changeBps, err := bounds.ChangeBps(v.nav, newNAV)
	if err != nil {
		return v.reject("update_nav", cap.Principal, err)
	}
	significant := changeBps >= bounds.SignificantNAVChangeBps

	oldNAV := new(uint256.Int).Set(v.nav)
	v.nav.Set(newNAV)
	v.totalManagedAssets.Set(newTotalAssets)
	v.lastNAVUpdate = now
	if significant {
		v.lastSignificantNAVChange = now
		if v.metrics != nil {
			v.metrics.SignificantMoves.Inc()
		}
	}

	v.emit(&event.NAVUpdate{
		EventID:     uuid.New(),
		OldNAV:      oldNAV,
		NewNAV:      new(uint256.Int).Set(newNAV),
		TotalAssets: new(uint256.Int).Set(newTotalAssets),
		Significant: significant,
		Timestamp:   now,
	})
	v.applied("update_nav")
	v.checkInvariants()
	return nil
}

// checkConversionSanity round-trips one whole unit through the proposed NAV
// and rejects it if the loss exceeds one rounding step. Catches NAV values
// that are in range but would silently destroy value in conversion.
func (v *Vault) checkConversionSanity(nav *uint256.Int) error {
	loss, err := fixedpoint.RoundTripLoss(fixedpoint.Scale, nav, fixedpoint.Scale)
	if err != nil {
		return &ConversionRiskError{NAV: new(uint256.Int).Set(nav)}
	}

	// One floor division per leg loses strictly less than nav/scale + 1.
	maxLoss := new(uint256.Int).Div(nav, fixedpoint.Scale)
	maxLoss.AddUint64(maxLoss, 1)
	if loss.Gt(maxLoss) {
		return &ConversionRiskError{NAV: new(uint256.Int).Set(nav), Loss: loss}
	}
	return nil
}

// LastNAVUpdate returns the time of the most recent accepted oracle update.
func (v *Vault) LastNAVUpdate() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastNAVUpdate
}

// LastSignificantNAVChange returns the start of the current quiet period,
// zero if no significant move has happened.
func (v *Vault) LastSignificantNAVChange() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSignificantNAVChange
}
