package gate

import (
	"fmt"
	"time"
)

// The timing gate layers independent timers so that no single bypass is
// enough to extract value: a post-deposit cooldown (flash-loan defense), a
// per-account withdrawal rate limit, and a quiet period after significant
// NAV moves. The cooldown additionally requires a logical-sequence gap to
// clear, so wall-clock manipulation alone cannot unlock it.

const (
	// WithdrawalRateLimit is the fixed minimum spacing between withdrawals
	// from one account.
	WithdrawalRateLimit = time.Minute
)

const (
	ConstraintDepositCooldown = "depositCooldown"
	ConstraintSequenceGap     = "sequenceGap"
	ConstraintWithdrawalRate  = "withdrawalRate"
	ConstraintNAVQuietPeriod  = "navQuietPeriod"
)

// NotElapsedError reports a timing constraint that has not cleared yet.
// Recoverable by waiting.
type NotElapsedError struct {
	Constraint string
	Remaining  time.Duration
	// SequenceRemaining counts the operations still to be ingested before
	// the sequence-gap predicate clears. Set only for that constraint; it
	// has no duration equivalent.
	SequenceRemaining uint64
}

func (e *NotElapsedError) Error() string {
	if e.Constraint == ConstraintSequenceGap {
		return fmt.Sprintf("timing constraint %s not elapsed: %d more operations required", e.Constraint, e.SequenceRemaining)
	}
	return fmt.Sprintf("timing constraint %s not elapsed: %s remaining", e.Constraint, e.Remaining)
}

// Config holds the admin-tunable timing parameters.
type Config struct {
	WithdrawalCooldown time.Duration
	NAVUpdateDelay     time.Duration
	// SequenceGap is the minimum logical-sequence distance between an
	// account's last deposit and a withdrawal.
	SequenceGap uint64
}

// AccountTimes is the per-account timing record the gate consults. Zero
// times mean the account never performed the action.
type AccountTimes struct {
	LastDepositTime     time.Time
	LastDepositSequence uint64
	LastWithdrawalTime  time.Time
}

// Gate evaluates withdrawal eligibility. It holds no per-account state of
// its own; the vault owns the records and passes them in, so every method
// here is side-effect-free.
type Gate struct {
	cfg Config
}

func New(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// SetConfig replaces the timing parameters. Callers serialize access.
func (g *Gate) SetConfig(cfg Config) {
	g.cfg = cfg
}

func (g *Gate) Config() Config {
	return g.cfg
}

// CheckWithdraw returns nil if the account may withdraw now, or a
// NotElapsedError naming the first unsatisfied constraint.
func (g *Gate) CheckWithdraw(acct AccountTimes, lastSignificantNAVChange time.Time, now time.Time, seq uint64) error {
	// Constraint 1: post-deposit cooldown, dual time/sequence predicates.
	// Both must clear; each is independently testable.
	if !acct.LastDepositTime.IsZero() {
		if remaining := remainingWait(acct.LastDepositTime, g.cfg.WithdrawalCooldown, now); remaining > 0 {
			return &NotElapsedError{Constraint: ConstraintDepositCooldown, Remaining: remaining}
		}
		if !sequenceCleared(acct.LastDepositSequence, g.cfg.SequenceGap, seq) {
			return &NotElapsedError{
				Constraint:        ConstraintSequenceGap,
				SequenceRemaining: acct.LastDepositSequence + g.cfg.SequenceGap - seq,
			}
		}
	}

	// Constraint 2: withdrawal rate limit.
	if !acct.LastWithdrawalTime.IsZero() {
		if remaining := remainingWait(acct.LastWithdrawalTime, WithdrawalRateLimit, now); remaining > 0 {
			return &NotElapsedError{Constraint: ConstraintWithdrawalRate, Remaining: remaining}
		}
	}

	// Constraint 3: NAV-change quiet period, applied only to accounts whose
	// last deposit came after the most recent significant NAV change. An
	// account positioned before the move is unaffected by it and is not
	// penalized.
	if affectedByNAVChange(acct, lastSignificantNAVChange) {
		if remaining := remainingWait(lastSignificantNAVChange, g.cfg.NAVUpdateDelay, now); remaining > 0 {
			return &NotElapsedError{Constraint: ConstraintNAVQuietPeriod, Remaining: remaining}
		}
	}

	return nil
}

// CanWithdraw is the boolean view of CheckWithdraw.
func (g *Gate) CanWithdraw(acct AccountTimes, lastSignificantNAVChange time.Time, now time.Time, seq uint64) bool {
	return g.CheckWithdraw(acct, lastSignificantNAVChange, now, seq) == nil
}

// TimeUntilWithdrawal returns the maximum remaining wait across the
// time-based constraints, zero if already eligible. Side-effect-free; the
// sequence-gap predicate has no duration and is not reflected here.
func (g *Gate) TimeUntilWithdrawal(acct AccountTimes, lastSignificantNAVChange time.Time, now time.Time) time.Duration {
	var max time.Duration

	if !acct.LastDepositTime.IsZero() {
		if r := remainingWait(acct.LastDepositTime, g.cfg.WithdrawalCooldown, now); r > max {
			max = r
		}
	}
	if !acct.LastWithdrawalTime.IsZero() {
		if r := remainingWait(acct.LastWithdrawalTime, WithdrawalRateLimit, now); r > max {
			max = r
		}
	}
	if affectedByNAVChange(acct, lastSignificantNAVChange) {
		if r := remainingWait(lastSignificantNAVChange, g.cfg.NAVUpdateDelay, now); r > max {
			max = r
		}
	}

	return max
}

func remainingWait(last time.Time, wait time.Duration, now time.Time) time.Duration {
	deadline := last.Add(wait)
	if now.Before(deadline) {
		return deadline.Sub(now)
	}
	return 0
}

func sequenceCleared(depositSeq, gap, now uint64) bool {
	return now >= depositSeq+gap
}

func affectedByNAVChange(acct AccountTimes, lastSignificantNAVChange time.Time) bool {
	if lastSignificantNAVChange.IsZero() || acct.LastDepositTime.IsZero() {
		return false
	}
	return acct.LastDepositTime.After(lastSignificantNAVChange)
}
