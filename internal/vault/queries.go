package vault

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"NAVVault/internal/fixedpoint"
	"NAVVault/internal/gate"
)

// Read-side accessors. Each takes the lock briefly and returns copies;
// callers never see live internal state.

func (v *Vault) NAV() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(uint256.Int).Set(v.nav)
}

func (v *Vault) TotalManagedAssets() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(uint256.Int).Set(v.totalManagedAssets)
}

func (v *Vault) TotalShareSupply() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(uint256.Int).Set(v.totalShareSupply)
}

func (v *Vault) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *Vault) Treasury() uuid.UUID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.treasury
}

func (v *Vault) Custody() uuid.UUID {
	return v.custody
}

func (v *Vault) Config() Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	cfg := v.cfg
	cfg.MaxUserDeposit = new(uint256.Int).Set(v.cfg.MaxUserDeposit)
	cfg.MaxTotalDeposits = new(uint256.Int).Set(v.cfg.MaxTotalDeposits)
	return cfg
}

// SharesOf returns account's share balance, zero for unknown accounts.
func (v *Vault) SharesOf(account uuid.UUID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if acct, ok := v.accounts[account]; ok {
		return new(uint256.Int).Set(acct.ShareBalance)
	}
	return new(uint256.Int)
}

// DepositedAssets returns account's cumulative deposit counter used for the
// per-user limit.
func (v *Vault) DepositedAssets(account uuid.UUID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if acct, ok := v.accounts[account]; ok {
		return new(uint256.Int).Set(acct.DepositedAssets)
	}
	return new(uint256.Int)
}

// AccountTimes returns account's timing record for eligibility inspection.
func (v *Vault) AccountTimes(account uuid.UUID) gate.AccountTimes {
	v.mu.Lock()
	defer v.mu.Unlock()

	if acct, ok := v.accounts[account]; ok {
		return acct.Times
	}
	return gate.AccountTimes{}
}

// CanWithdraw reports whether every timing constraint has cleared for
// account. Side-effect-free. The pause flag is an execution-time control,
// not a timing constraint, so like TimeUntilWithdrawal this ignores it.
func (v *Vault) CanWithdraw(account uuid.UUID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[account]
	if !ok {
		return true
	}
	return v.gate.CanWithdraw(acct.Times, v.lastSignificantNAVChange, v.clk.Now(), v.clk.Sequence())
}

// TimeUntilWithdrawal returns the longest remaining wait across the timing
// constraints, zero if eligible now. Side-effect-free.
func (v *Vault) TimeUntilWithdrawal(account uuid.UUID) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[account]
	if !ok {
		return 0
	}
	return v.gate.TimeUntilWithdrawal(acct.Times, v.lastSignificantNAVChange, v.clk.Now())
}

// PreviewDeposit returns the shares a deposit of assets would mint at the
// current NAV. Previews apply the conversion only; limits and timing are
// checked at execution.
func (v *Vault) PreviewDeposit(assets *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixedpoint.AssetsToShares(assets, v.nav, fixedpoint.Scale, fixedpoint.RoundDown)
}

// PreviewMint returns the assets minting shares would cost.
func (v *Vault) PreviewMint(shares *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixedpoint.SharesToAssets(shares, v.nav, fixedpoint.Scale, fixedpoint.RoundUp)
}

// PreviewWithdraw returns the shares a withdrawal of assets would burn.
func (v *Vault) PreviewWithdraw(assets *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixedpoint.AssetsToShares(assets, v.nav, fixedpoint.Scale, fixedpoint.RoundUp)
}

// PreviewRedeem returns the assets redeeming shares would pay out.
func (v *Vault) PreviewRedeem(shares *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixedpoint.SharesToAssets(shares, v.nav, fixedpoint.Scale, fixedpoint.RoundDown)
}

// OnHandBalance returns the asset balance currently in vault custody.
func (v *Vault) OnHandBalance() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.BalanceOf(v.custody)
}

// RecordSequence returns the last record sequence the vault assigned.
func (v *Vault) RecordSequence() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sequence
}
