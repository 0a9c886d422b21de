package gate_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"NAVVault/internal/gate"
)

var t0 = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func defaultGate() *gate.Gate {
	return gate.New(gate.Config{
		WithdrawalCooldown: 24 * time.Hour,
		NAVUpdateDelay:     time.Hour,
		SequenceGap:        1,
	})
}

// ============================================================================
// Deposit cooldown: dual predicates
// ============================================================================

func TestCheckWithdraw_FreshAccountPasses(t *testing.T) {
	g := defaultGate()
	if err := g.CheckWithdraw(gate.AccountTimes{}, time.Time{}, t0, 0); err != nil {
		t.Errorf("account with no history blocked: %v", err)
	}
}

func TestCheckWithdraw_CooldownTimePredicate(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 5}

	cases := []struct {
		name string
		now  time.Time
		seq  uint64
		want string // empty means eligible
	}{
		{"immediately", t0, 6, gate.ConstraintDepositCooldown},
		{"one second early", t0.Add(24*time.Hour - time.Second), 6, gate.ConstraintDepositCooldown},
		{"exactly at deadline", t0.Add(24 * time.Hour), 6, ""},
		{"well after", t0.Add(48 * time.Hour), 6, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.CheckWithdraw(acct, time.Time{}, tc.now, tc.seq)
			checkConstraint(t, err, tc.want)
		})
	}
}

func TestCheckWithdraw_CooldownSequencePredicate(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 5}
	after := t0.Add(25 * time.Hour)

	// Time cleared but the logical sequence has not advanced: still held.
	// Wall-clock manipulation alone must not unlock a withdrawal.
	err := g.CheckWithdraw(acct, time.Time{}, after, 5)
	checkConstraint(t, err, gate.ConstraintSequenceGap)

	if err := g.CheckWithdraw(acct, time.Time{}, after, 6); err != nil {
		t.Errorf("sequence gap met but blocked: %v", err)
	}
}

func TestCheckWithdraw_SequenceGapErrorCountsOperations(t *testing.T) {
	g := gate.New(gate.Config{SequenceGap: 3})
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 5}

	err := g.CheckWithdraw(acct, time.Time{}, t0.Add(time.Hour), 6)
	var ne *gate.NotElapsedError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NotElapsedError, got %v", err)
	}
	if ne.SequenceRemaining != 2 {
		t.Errorf("operations remaining: got %d, want 2", ne.SequenceRemaining)
	}
	// The gap has no duration; the message must not pretend it does.
	if strings.Contains(ne.Error(), "0s remaining") {
		t.Errorf("misleading message: %q", ne.Error())
	}
	if !strings.Contains(ne.Error(), "2 more operations") {
		t.Errorf("message does not count operations: %q", ne.Error())
	}
}

func TestCheckWithdraw_BothPredicatesRequired(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 5}

	// Sequence cleared, time not: the time predicate reports first.
	err := g.CheckWithdraw(acct, time.Time{}, t0.Add(time.Hour), 100)
	checkConstraint(t, err, gate.ConstraintDepositCooldown)
}

// ============================================================================
// Rate limit
// ============================================================================

func TestCheckWithdraw_RateLimit(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{
		LastDepositTime:     t0.Add(-48 * time.Hour),
		LastDepositSequence: 1,
		LastWithdrawalTime:  t0,
	}

	err := g.CheckWithdraw(acct, time.Time{}, t0.Add(30*time.Second), 10)
	checkConstraint(t, err, gate.ConstraintWithdrawalRate)

	if err := g.CheckWithdraw(acct, time.Time{}, t0.Add(time.Minute), 10); err != nil {
		t.Errorf("blocked exactly at the rate-limit deadline: %v", err)
	}
}

// ============================================================================
// NAV quiet period: selective application
// ============================================================================

func TestCheckWithdraw_QuietPeriodSelectivity(t *testing.T) {
	g := gate.New(gate.Config{NAVUpdateDelay: time.Hour})
	sig := t0

	cases := []struct {
		name string
		acct gate.AccountTimes
		now  time.Time
		want string
	}{
		{
			// Deposited before the move: positioned before the information
			// existed, never held.
			"pre-change depositor",
			gate.AccountTimes{LastDepositTime: t0.Add(-time.Hour)},
			t0.Add(time.Minute),
			"",
		},
		{
			"post-change depositor inside window",
			gate.AccountTimes{LastDepositTime: t0.Add(time.Minute)},
			t0.Add(2 * time.Minute),
			gate.ConstraintNAVQuietPeriod,
		},
		{
			"post-change depositor after window",
			gate.AccountTimes{LastDepositTime: t0.Add(time.Minute)},
			t0.Add(time.Hour),
			"",
		},
		{
			"deposited exactly at the change",
			gate.AccountTimes{LastDepositTime: t0},
			t0.Add(time.Minute),
			"",
		},
		{
			"never deposited",
			gate.AccountTimes{},
			t0.Add(time.Minute),
			"",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.CheckWithdraw(tc.acct, sig, tc.now, 10)
			checkConstraint(t, err, tc.want)
		})
	}
}

func TestCheckWithdraw_NoSignificantChangeNoQuietPeriod(t *testing.T) {
	g := gate.New(gate.Config{NAVUpdateDelay: time.Hour})
	acct := gate.AccountTimes{LastDepositTime: t0}

	if err := g.CheckWithdraw(acct, time.Time{}, t0.Add(time.Second), 10); err != nil {
		t.Errorf("quiet period applied with no significant change: %v", err)
	}
}

// ============================================================================
// Eligibility helpers
// ============================================================================

func TestTimeUntilWithdrawal_ReturnsLongestWait(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{
		LastDepositTime:     t0,
		LastDepositSequence: 1,
		LastWithdrawalTime:  t0.Add(23 * time.Hour),
	}
	sig := t0.Add(23*time.Hour + 30*time.Minute)
	now := t0.Add(23*time.Hour + 45*time.Minute)

	// Cooldown has 15m left, rate limit 0, quiet period does not apply
	// (deposit predates the change).
	if got := g.TimeUntilWithdrawal(acct, sig, now); got != 15*time.Minute {
		t.Errorf("got %s, want 15m", got)
	}
}

func TestTimeUntilWithdrawal_ZeroWhenEligible(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 1}

	if got := g.TimeUntilWithdrawal(acct, time.Time{}, t0.Add(25*time.Hour)); got != 0 {
		t.Errorf("got %s, want 0", got)
	}
}

func TestTimeUntilWithdrawal_MonotonicallyDecreases(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 1}

	prev := g.TimeUntilWithdrawal(acct, time.Time{}, t0)
	for i := 1; i <= 24; i++ {
		now := t0.Add(time.Duration(i) * time.Hour)
		got := g.TimeUntilWithdrawal(acct, time.Time{}, now)
		if got > prev {
			t.Fatalf("wait grew from %s to %s at +%dh", prev, got, i)
		}
		prev = got
	}
	if prev != 0 {
		t.Errorf("wait should reach zero at the cooldown end, got %s", prev)
	}
}

func TestCanWithdraw_MatchesCheckWithdraw(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 1}

	if g.CanWithdraw(acct, time.Time{}, t0.Add(time.Hour), 2) {
		t.Error("eligible inside the cooldown")
	}
	if !g.CanWithdraw(acct, time.Time{}, t0.Add(25*time.Hour), 2) {
		t.Error("not eligible after the cooldown")
	}
}

func TestSetConfig_TakesEffect(t *testing.T) {
	g := defaultGate()
	acct := gate.AccountTimes{LastDepositTime: t0, LastDepositSequence: 1}

	if g.CanWithdraw(acct, time.Time{}, t0.Add(time.Hour), 2) {
		t.Fatal("eligible inside the 24h cooldown")
	}
	g.SetConfig(gate.Config{WithdrawalCooldown: time.Minute, SequenceGap: 1})
	if !g.CanWithdraw(acct, time.Time{}, t0.Add(time.Hour), 2) {
		t.Error("not eligible after the cooldown was shortened")
	}
}

func checkConstraint(t *testing.T, err error, want string) {
	t.Helper()
	if want == "" {
		if err != nil {
			t.Errorf("expected eligible, got %v", err)
		}
		return
	}
	var ne *gate.NotElapsedError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NotElapsedError, got %v", err)
	}
	if ne.Constraint != want {
		t.Errorf("constraint got %q, want %q", ne.Constraint, want)
	}
}
