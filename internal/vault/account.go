package vault

import (
	"github.com/holiman/uint256"

	"NAVVault/internal/gate"
)

// Account is the vault's per-holder record. Records are created lazily on
// first deposit and never deleted: the timing fields must survive a balance
// reaching zero, otherwise withdraw-everything-redeposit would reset the
// cooldown.
type Account struct {
	// ShareBalance is the holder's share balance in 18-decimal fixed point.
	ShareBalance *uint256.Int

	// DepositedAssets is the holder's cumulative deposit total used for the
	// per-user limit. Withdrawals reduce it, clamped at zero so that yield
	// withdrawn in excess of principal never underflows the counter.
	DepositedAssets *uint256.Int

	Times gate.AccountTimes
}

func newAccount() *Account {
	return &Account{
		ShareBalance:    new(uint256.Int),
		DepositedAssets: new(uint256.Int),
	}
}
