package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"NAVVault/internal/gate"
)

// Amounts serialize as decimal strings: JSON numbers cannot carry 256-bit
// values losslessly.

type AccountSnapshot struct {
	ShareBalance        string    `json:"share_balance"`
	DepositedAssets     string    `json:"deposited_assets"`
	LastDepositTime     time.Time `json:"last_deposit_time"`
	LastDepositSequence uint64    `json:"last_deposit_sequence"`
	LastWithdrawalTime  time.Time `json:"last_withdrawal_time"`
}

type ConfigSnapshot struct {
	WithdrawalCooldown         time.Duration `json:"withdrawal_cooldown"`
	NAVUpdateDelay             time.Duration `json:"nav_update_delay"`
	WithdrawalSequenceGap      uint64        `json:"withdrawal_sequence_gap"`
	MaxUserDeposit             string        `json:"max_user_deposit"`
	MaxTotalDeposits           string        `json:"max_total_deposits"`
	MaxNAVChangeBps            uint64        `json:"max_nav_change_bps"`
	MaxTotalAssetsDeviationBps uint64        `json:"max_total_assets_deviation_bps"`
}

// SnapshotState captures the full vault state for persistence. Restore plus
// replay of later records reproduces the live state.
type SnapshotState struct {
	Sequence                 uint64                             `json:"sequence"`
	ClockSequence            uint64                             `json:"clock_sequence"`
	NAV                      string                             `json:"nav"`
	TotalManagedAssets       string                             `json:"total_managed_assets"`
	TotalShareSupply         string                             `json:"total_share_supply"`
	LastNAVUpdate            time.Time                          `json:"last_nav_update"`
	LastSignificantNAVChange time.Time                          `json:"last_significant_nav_change"`
	Paused                   bool                               `json:"paused"`
	Treasury                 uuid.UUID                          `json:"treasury"`
	Config                   ConfigSnapshot                     `json:"config"`
	Accounts                 map[uuid.UUID]AccountSnapshot      `json:"accounts"`
	Allowances               map[uuid.UUID]map[uuid.UUID]string `json:"allowances"`
}

// CreateSnapshotState captures the current state under the lock.
func (v *Vault) CreateSnapshotState() *SnapshotState {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := &SnapshotState{
		Sequence:                 v.sequence,
		ClockSequence:            v.clk.Sequence(),
		NAV:                      v.nav.Dec(),
		TotalManagedAssets:       v.totalManagedAssets.Dec(),
		TotalShareSupply:         v.totalShareSupply.Dec(),
		LastNAVUpdate:            v.lastNAVUpdate,
		LastSignificantNAVChange: v.lastSignificantNAVChange,
		Paused:                   v.paused,
		Treasury:                 v.treasury,
		Config: ConfigSnapshot{
			WithdrawalCooldown:         v.cfg.WithdrawalCooldown,
			NAVUpdateDelay:             v.cfg.NAVUpdateDelay,
			WithdrawalSequenceGap:      v.cfg.WithdrawalSequenceGap,
			MaxUserDeposit:             v.cfg.MaxUserDeposit.Dec(),
			MaxTotalDeposits:           v.cfg.MaxTotalDeposits.Dec(),
			MaxNAVChangeBps:            v.cfg.MaxNAVChangeBps,
			MaxTotalAssetsDeviationBps: v.cfg.MaxTotalAssetsDeviationBps,
		},
		Accounts:   make(map[uuid.UUID]AccountSnapshot, len(v.accounts)),
		Allowances: make(map[uuid.UUID]map[uuid.UUID]string, len(v.shareAllowances)),
	}

	for id, acct := range v.accounts {
		snap.Accounts[id] = AccountSnapshot{
			ShareBalance:        acct.ShareBalance.Dec(),
			DepositedAssets:     acct.DepositedAssets.Dec(),
			LastDepositTime:     acct.Times.LastDepositTime,
			LastDepositSequence: acct.Times.LastDepositSequence,
			LastWithdrawalTime:  acct.Times.LastWithdrawalTime,
		}
	}
	for owner, set := range v.shareAllowances {
		out := make(map[uuid.UUID]string, len(set))
		for spender, amount := range set {
			out[spender] = amount.Dec()
		}
		snap.Allowances[owner] = out
	}

	return snap
}

// RestoreFromSnapshot replaces the vault's in-memory state with the
// snapshot's. Called once during startup before the vault serves traffic.
func (v *Vault) RestoreFromSnapshot(snap *SnapshotState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	nav, err := parseAmount("nav", snap.NAV)
	if err != nil {
		return err
	}
	total, err := parseAmount("total_managed_assets", snap.TotalManagedAssets)
	if err != nil {
		return err
	}
	supply, err := parseAmount("total_share_supply", snap.TotalShareSupply)
	if err != nil {
		return err
	}
	maxUser, err := parseAmount("max_user_deposit", snap.Config.MaxUserDeposit)
	if err != nil {
		return err
	}
	maxTotal, err := parseAmount("max_total_deposits", snap.Config.MaxTotalDeposits)
	if err != nil {
		return err
	}

	cfg := Config{
		WithdrawalCooldown:         snap.Config.WithdrawalCooldown,
		NAVUpdateDelay:             snap.Config.NAVUpdateDelay,
		WithdrawalSequenceGap:      snap.Config.WithdrawalSequenceGap,
		MaxUserDeposit:             maxUser,
		MaxTotalDeposits:           maxTotal,
		MaxNAVChangeBps:            snap.Config.MaxNAVChangeBps,
		MaxTotalAssetsDeviationBps: snap.Config.MaxTotalAssetsDeviationBps,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}

	accounts := make(map[uuid.UUID]*Account, len(snap.Accounts))
	sum := new(uint256.Int)
	for id, as := range snap.Accounts {
		balance, err := parseAmount("share_balance", as.ShareBalance)
		if err != nil {
			return err
		}
		deposited, err := parseAmount("deposited_assets", as.DepositedAssets)
		if err != nil {
			return err
		}
		accounts[id] = &Account{
			ShareBalance:    balance,
			DepositedAssets: deposited,
			Times: gate.AccountTimes{
				LastDepositTime:     as.LastDepositTime,
				LastDepositSequence: as.LastDepositSequence,
				LastWithdrawalTime:  as.LastWithdrawalTime,
			},
		}
		sum.Add(sum, balance)
	}
	if sum.Cmp(supply) != 0 {
		return fmt.Errorf("snapshot inconsistent: account share sum %s != supply %s", sum.Dec(), supply.Dec())
	}

	allowances := make(map[uuid.UUID]map[uuid.UUID]*uint256.Int, len(snap.Allowances))
	for owner, set := range snap.Allowances {
		out := make(map[uuid.UUID]*uint256.Int, len(set))
		for spender, s := range set {
			amount, err := parseAmount("allowance", s)
			if err != nil {
				return err
			}
			out[spender] = amount
		}
		allowances[owner] = out
	}

	v.sequence = snap.Sequence
	v.nav = nav
	v.totalManagedAssets = total
	v.totalShareSupply = supply
	v.lastNAVUpdate = snap.LastNAVUpdate
	v.lastSignificantNAVChange = snap.LastSignificantNAVChange
	v.paused = snap.Paused
	v.treasury = snap.Treasury
	v.cfg = cfg
	v.syncGate()
	v.accounts = accounts
	v.shareAllowances = allowances
	v.updateGauges()
	return nil
}

// ResumeSequence raises the record sequence to seq if it is ahead of the
// current one. Used at startup when the event log tip is newer than the
// latest snapshot, so new records never collide with persisted sequences.
func (v *Vault) ResumeSequence(seq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seq > v.sequence {
		v.sequence = seq
	}
}

func parseAmount(field, s string) (*uint256.Int, error) {
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s %q: %w", field, s, err)
	}
	return x, nil
}
