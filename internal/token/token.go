package token

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Ledger is the asset-transfer collaborator the vault requires. Any
// non-success return is a hard failure that aborts the whole vault
// operation before local state is committed.
type Ledger interface {
	Transfer(to uuid.UUID, amount *uint256.Int) error
	TransferFrom(from, to uuid.UUID, amount *uint256.Int) error
	BalanceOf(account uuid.UUID) *uint256.Int
}

// TransferError reports a failed ledger transfer.
type TransferError struct {
	From   uuid.UUID
	To     uuid.UUID
	Amount *uint256.Int
	Reason string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed: %s -> %s amount=%s: %s", e.From, e.To, e.Amount.Dec(), e.Reason)
}

// MemoryLedger is an in-process asset ledger with ERC-20-style allowance
// semantics. It backs local deployments and tests; production deployments
// substitute an adapter to the real custody system.
type MemoryLedger struct {
	mu         sync.Mutex
	self       uuid.UUID
	balances   map[uuid.UUID]*uint256.Int
	allowances map[uuid.UUID]map[uuid.UUID]*uint256.Int // owner -> spender -> amount
}

// NewMemoryLedger creates a ledger whose Transfer calls debit the given
// holder account (the vault's custody account).
func NewMemoryLedger(self uuid.UUID) *MemoryLedger {
	return &MemoryLedger{
		self:       self,
		balances:   make(map[uuid.UUID]*uint256.Int),
		allowances: make(map[uuid.UUID]map[uuid.UUID]*uint256.Int),
	}
}

// Mint credits an account out of thin air. Test/bootstrap helper.
func (l *MemoryLedger) Mint(account uuid.UUID, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, amount)
}

// Approve sets spender's allowance over owner's balance.
func (l *MemoryLedger) Approve(owner, spender uuid.UUID, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.allowances[owner]
	if !ok {
		set = make(map[uuid.UUID]*uint256.Int)
		l.allowances[owner] = set
	}
	set[spender] = new(uint256.Int).Set(amount)
}

func (l *MemoryLedger) Transfer(to uuid.UUID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(l.self, to, amount)
}

// TransferFrom moves amount from `from` to `to`, spending the vault's
// allowance when the vault is not the owner.
func (l *MemoryLedger) TransferFrom(from, to uuid.UUID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from != l.self {
		allowed := l.allowance(from, l.self)
		if allowed.Lt(amount) {
			return &TransferError{From: from, To: to, Amount: new(uint256.Int).Set(amount), Reason: "insufficient allowance"}
		}
		allowed.Sub(allowed, amount)
	}

	return l.move(from, to, amount)
}

func (l *MemoryLedger) BalanceOf(account uuid.UUID) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[account]
	if !ok {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(bal)
}

func (l *MemoryLedger) move(from, to uuid.UUID, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}

	bal, ok := l.balances[from]
	if !ok || bal.Lt(amount) {
		return &TransferError{From: from, To: to, Amount: new(uint256.Int).Set(amount), Reason: "insufficient balance"}
	}

	bal.Sub(bal, amount)
	l.credit(to, amount)
	return nil
}

func (l *MemoryLedger) credit(account uuid.UUID, amount *uint256.Int) {
	bal, ok := l.balances[account]
	if !ok {
		bal = uint256.NewInt(0)
		l.balances[account] = bal
	}
	bal.Add(bal, amount)
}

func (l *MemoryLedger) allowance(owner, spender uuid.UUID) *uint256.Int {
	set, ok := l.allowances[owner]
	if !ok {
		return uint256.NewInt(0)
	}
	allowed, ok := set[spender]
	if !ok {
		return uint256.NewInt(0)
	}
	return allowed
}
