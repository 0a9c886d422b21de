package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"NAVVault/internal/bounds"
	"NAVVault/internal/event"
	"NAVVault/internal/gate"
	"NAVVault/internal/roles"
)

// Admin parameter setters. Each validates against the hard ceiling, applies,
// and emits a ParameterChange record with the old and new values.

func (v *Vault) SetWithdrawalCooldown(cap roles.Capability, d time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}
	if d < 0 || d > maxWithdrawalCooldown {
		return v.reject("set_param", cap.Principal,
			fmt.Errorf("withdrawal cooldown %s outside [0, %s]", d, maxWithdrawalCooldown))
	}

	old := v.cfg.WithdrawalCooldown
	v.cfg.WithdrawalCooldown = d
	v.syncGate()
	v.recordParamChange("withdrawalCooldown", old.String(), d.String())
	return nil
}

func (v *Vault) SetNAVUpdateDelay(cap roles.Capability, d time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}
	if d < 0 || d > maxNAVUpdateDelay {
		return v.reject("set_param", cap.Principal,
			fmt.Errorf("nav update delay %s outside [0, %s]", d, maxNAVUpdateDelay))
	}

	old := v.cfg.NAVUpdateDelay
	v.cfg.NAVUpdateDelay = d
	v.syncGate()
	v.recordParamChange("navUpdateDelay", old.String(), d.String())
	return nil
}

func (v *Vault) SetWithdrawalSequenceGap(cap roles.Capability, gap uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}

	old := v.cfg.WithdrawalSequenceGap
	v.cfg.WithdrawalSequenceGap = gap
	v.syncGate()
	v.recordParamChange("withdrawalSequenceGap", fmt.Sprint(old), fmt.Sprint(gap))
	return nil
}

func (v *Vault) SetMaxUserDeposit(cap roles.Capability, limit *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}
	if limit == nil || limit.IsZero() || limit.Gt(bounds.MaxSingleDeposit) {
		return v.reject("set_param", cap.Principal, &bounds.ViolationError{
			Field: "maxUserDeposit", Value: limit, Limit: bounds.MaxSingleDeposit,
		})
	}

	old := v.cfg.MaxUserDeposit
	v.cfg.MaxUserDeposit = new(uint256.Int).Set(limit)
	v.recordParamChange("maxUserDeposit", old.Dec(), limit.Dec())
	return nil
}

func (v *Vault) SetMaxTotalDeposits(cap roles.Capability, limit *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}
	if limit == nil || limit.Lt(v.cfg.MaxUserDeposit) || limit.Gt(bounds.MaxTotalAssets) {
		val := new(uint256.Int)
		if limit != nil {
			val.Set(limit)
		}
		return v.reject("set_param", cap.Principal, &bounds.ViolationError{
			Field: "maxTotalDeposits", Value: val, Limit: bounds.MaxTotalAssets,
		})
	}

	old := v.cfg.MaxTotalDeposits
	v.cfg.MaxTotalDeposits = new(uint256.Int).Set(limit)
	v.recordParamChange("maxTotalDeposits", old.Dec(), limit.Dec())
	return nil
}

func (v *Vault) SetMaxNAVChangeBps(cap roles.Capability, maxBps uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}
	if maxBps == 0 || maxBps > bounds.MaxNAVChangeBpsCeiling {
		return v.reject("set_param", cap.Principal, &bounds.ViolationError{
			Field: "maxNAVChangeBps",
			Value: uint256.NewInt(maxBps),
			Limit: uint256.NewInt(bounds.MaxNAVChangeBpsCeiling),
		})
	}

	old := v.cfg.MaxNAVChangeBps
	v.cfg.MaxNAVChangeBps = maxBps
	v.recordParamChange("maxNAVChangeBps", fmt.Sprint(old), fmt.Sprint(maxBps))
	return nil
}

func (v *Vault) SetMaxTotalAssetsDeviationBps(cap roles.Capability, maxBps uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}
	if maxBps == 0 {
		return v.reject("set_param", cap.Principal,
			fmt.Errorf("max total assets deviation must be positive"))
	}

	old := v.cfg.MaxTotalAssetsDeviationBps
	v.cfg.MaxTotalAssetsDeviationBps = maxBps
	v.recordParamChange("maxTotalAssetsDeviationBps", fmt.Sprint(old), fmt.Sprint(maxBps))
	return nil
}

func (v *Vault) SetTreasury(cap roles.Capability, treasury uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("set_param", cap.Principal, err)
	}
	if treasury == uuid.Nil {
		return v.reject("set_param", cap.Principal, fmt.Errorf("nil treasury account"))
	}

	old := v.treasury
	v.treasury = treasury
	v.recordParamChange("treasury", old.String(), treasury.String())
	return nil
}

func (v *Vault) syncGate() {
	v.gate.SetConfig(gate.Config{
		WithdrawalCooldown: v.cfg.WithdrawalCooldown,
		NAVUpdateDelay:     v.cfg.NAVUpdateDelay,
		SequenceGap:        v.cfg.WithdrawalSequenceGap,
	})
}

func (v *Vault) recordParamChange(name, oldValue, newValue string) {
	v.emit(&event.ParameterChange{
		EventID:   uuid.New(),
		Parameter: name,
		OldValue:  oldValue,
		NewValue:  newValue,
		Timestamp: v.clk.Now(),
	})
	v.applied("set_param")
}
