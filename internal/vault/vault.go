package vault

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"NAVVault/internal/bounds"
	"NAVVault/internal/clock"
	"NAVVault/internal/event"
	"NAVVault/internal/fixedpoint"
	"NAVVault/internal/gate"
	"NAVVault/internal/observability"
	"NAVVault/internal/roles"
	"NAVVault/internal/token"
)

const (
	// maxBatchWithdrawals bounds one batch operation.
	maxBatchWithdrawals = 50

	// maxWithdrawalCooldown and maxNAVUpdateDelay cap the admin-tunable
	// timing parameters.
	maxWithdrawalCooldown = 30 * 24 * time.Hour
	maxNAVUpdateDelay     = 24 * time.Hour

	// fullInvariantEvery is how often (in records) the O(n) share-sum
	// reconciliation runs. Cheap invariants run on every mutation.
	fullInvariantEvery = 256
)

// Config holds the admin-mutable vault parameters. Hard ceilings live in the
// bounds package and cannot be configured past.
type Config struct {
	WithdrawalCooldown         time.Duration
	NAVUpdateDelay             time.Duration
	WithdrawalSequenceGap      uint64
	MaxUserDeposit             *uint256.Int
	MaxTotalDeposits           *uint256.Int
	MaxNAVChangeBps            uint64
	MaxTotalAssetsDeviationBps uint64
}

func DefaultConfig() Config {
	return Config{
		WithdrawalCooldown:         24 * time.Hour,
		NAVUpdateDelay:             time.Hour,
		WithdrawalSequenceGap:      1,
		MaxUserDeposit:             fixedpoint.Units(1_000_000),
		MaxTotalDeposits:           fixedpoint.Units(100_000_000),
		MaxNAVChangeBps:            1500,
		MaxTotalAssetsDeviationBps: 2000,
	}
}

// Validate checks every parameter against its hard ceiling.
func (c Config) Validate() error {
	if c.WithdrawalCooldown < 0 || c.WithdrawalCooldown > maxWithdrawalCooldown {
		return fmt.Errorf("withdrawal cooldown %s outside [0, %s]", c.WithdrawalCooldown, maxWithdrawalCooldown)
	}
	if c.NAVUpdateDelay < 0 || c.NAVUpdateDelay > maxNAVUpdateDelay {
		return fmt.Errorf("nav update delay %s outside [0, %s]", c.NAVUpdateDelay, maxNAVUpdateDelay)
	}
	if c.MaxUserDeposit == nil || c.MaxUserDeposit.IsZero() {
		return fmt.Errorf("max user deposit must be positive")
	}
	if c.MaxUserDeposit.Gt(bounds.MaxSingleDeposit) {
		return fmt.Errorf("max user deposit %s exceeds hard ceiling %s",
			c.MaxUserDeposit.Dec(), bounds.MaxSingleDeposit.Dec())
	}
	if c.MaxTotalDeposits == nil || c.MaxTotalDeposits.Lt(c.MaxUserDeposit) {
		return fmt.Errorf("max total deposits must be at least max user deposit")
	}
	if c.MaxTotalDeposits.Gt(bounds.MaxTotalAssets) {
		return fmt.Errorf("max total deposits %s exceeds hard ceiling %s",
			c.MaxTotalDeposits.Dec(), bounds.MaxTotalAssets.Dec())
	}
	if c.MaxNAVChangeBps == 0 || c.MaxNAVChangeBps > bounds.MaxNAVChangeBpsCeiling {
		return fmt.Errorf("max nav change %d bps outside (0, %d]", c.MaxNAVChangeBps, bounds.MaxNAVChangeBpsCeiling)
	}
	if c.MaxTotalAssetsDeviationBps == 0 {
		return fmt.Errorf("max total assets deviation must be positive")
	}
	return nil
}

// Vault is the custodial accounting core. One mutex serializes every
// operation; collaborators (ledger, sink) are called inside the critical
// section and must never call back in.
type Vault struct {
	mu sync.Mutex

	custody  uuid.UUID
	treasury uuid.UUID

	nav                      *uint256.Int
	lastNAVUpdate            time.Time
	lastSignificantNAVChange time.Time

	totalManagedAssets *uint256.Int
	totalShareSupply   *uint256.Int

	accounts        map[uuid.UUID]*Account
	shareAllowances map[uuid.UUID]map[uuid.UUID]*uint256.Int

	cfg    Config
	paused bool

	gate     *gate.Gate
	ledger   token.Ledger
	clk      clock.Clock
	sink     event.Sink
	metrics  *observability.Metrics
	logger   zerolog.Logger
	sequence uint64
}

// New creates a vault with NAV 1.0 and empty holdings. custody is the
// vault's own account on the asset ledger; treasury receives sweeps.
func New(
	custody, treasury uuid.UUID,
	cfg Config,
	ledger token.Ledger,
	clk clock.Clock,
	sink event.Sink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Vault, error) {
	if custody == uuid.Nil || treasury == uuid.Nil {
		return nil, fmt.Errorf("custody and treasury accounts are required")
	}
	if ledger == nil || clk == nil {
		return nil, fmt.Errorf("ledger and clock are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if sink == nil {
		sink = event.NopSink{}
	}

	return &Vault{
		custody:            custody,
		treasury:           treasury,
		nav:                new(uint256.Int).Set(fixedpoint.Scale),
		totalManagedAssets: new(uint256.Int),
		totalShareSupply:   new(uint256.Int),
		accounts:           make(map[uuid.UUID]*Account),
		shareAllowances:    make(map[uuid.UUID]map[uuid.UUID]*uint256.Int),
		cfg:                cfg,
		gate: gate.New(gate.Config{
			WithdrawalCooldown: cfg.WithdrawalCooldown,
			NAVUpdateDelay:     cfg.NAVUpdateDelay,
			SequenceGap:        cfg.WithdrawalSequenceGap,
		}),
		ledger:  ledger,
		clk:     clk,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Deposit pulls assets from caller and mints shares to receiver at the
// current NAV, rounding shares down. Returns the shares minted. A zero
// amount succeeds as a no-op.
func (v *Vault) Deposit(caller, receiver uuid.UUID, assets *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe("deposit", time.Now())

	if caller == uuid.Nil || receiver == uuid.Nil {
		return nil, v.reject("deposit", caller, fmt.Errorf("nil account id"))
	}
	if v.paused {
		return nil, v.reject("deposit", caller, ErrPaused)
	}
	if assets.IsZero() {
		return new(uint256.Int), nil
	}

	shares, err := fixedpoint.AssetsToShares(assets, v.nav, fixedpoint.Scale, fixedpoint.RoundDown)
	if err != nil {
		return nil, v.reject("deposit", caller, err)
	}
	if shares.IsZero() {
		return nil, v.reject("deposit", caller, ErrZeroShares)
	}

	if err := v.applyDeposit("deposit", caller, receiver, assets, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint issues an exact share amount to receiver, pulling the asset cost
// from caller, rounded up. Returns the assets charged. A zero amount
// succeeds as a no-op.
func (v *Vault) Mint(caller, receiver uuid.UUID, shares *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe("mint", time.Now())

	if caller == uuid.Nil || receiver == uuid.Nil {
		return nil, v.reject("mint", caller, fmt.Errorf("nil account id"))
	}
	if v.paused {
		return nil, v.reject("mint", caller, ErrPaused)
	}
	if shares.IsZero() {
		return new(uint256.Int), nil
	}

	assets, err := fixedpoint.SharesToAssets(shares, v.nav, fixedpoint.Scale, fixedpoint.RoundUp)
	if err != nil {
		return nil, v.reject("mint", caller, err)
	}

	if err := v.applyDeposit("mint", caller, receiver, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}

// applyDeposit runs the shared bounds checks, asset pull, and mutation for
// Deposit and Mint. Checks run first so a rejected call mutates nothing.
func (v *Vault) applyDeposit(op string, caller, receiver uuid.UUID, assets, shares *uint256.Int) error {
	if err := bounds.CheckSingleDeposit(assets); err != nil {
		return v.reject(op, caller, err)
	}

	acct := v.account(receiver)

	userTotal, overflow := new(uint256.Int).AddOverflow(acct.DepositedAssets, assets)
	if overflow {
		return v.reject(op, caller, &fixedpoint.OverflowError{Op: "userDepositTotal", Input: assets})
	}
	if userTotal.Gt(v.cfg.MaxUserDeposit) {
		return v.reject(op, caller, &bounds.ViolationError{
			Field: "userDepositTotal", Value: userTotal, Limit: v.cfg.MaxUserDeposit,
		})
	}

	newTotal, overflow := new(uint256.Int).AddOverflow(v.totalManagedAssets, assets)
	if overflow {
		return v.reject(op, caller, &fixedpoint.OverflowError{Op: "totalManagedAssets", Input: assets})
	}
	if newTotal.Gt(v.cfg.MaxTotalDeposits) {
		return v.reject(op, caller, &bounds.ViolationError{
			Field: "totalDeposits", Value: newTotal, Limit: v.cfg.MaxTotalDeposits,
		})
	}
	if err := bounds.CheckTotalAssets(newTotal); err != nil {
		return v.reject(op, caller, err)
	}

	newSupply, overflow := new(uint256.Int).AddOverflow(v.totalShareSupply, shares)
	if overflow {
		return v.reject(op, caller, &fixedpoint.OverflowError{Op: "shareSupply", Input: shares})
	}
	if err := bounds.CheckShareSupply(newSupply); err != nil {
		return v.reject(op, caller, err)
	}

	// All checks passed; pull the assets. The ledger call is the only step
	// that can still fail, and it fails before any vault state changes.
	if err := v.ledger.TransferFrom(caller, v.custody, assets); err != nil {
		return v.reject(op, caller, err)
	}

	now := v.clk.Now()
	acct.ShareBalance.Add(acct.ShareBalance, shares)
	acct.DepositedAssets.Set(userTotal)
	acct.Times.LastDepositTime = now
	acct.Times.LastDepositSequence = v.clk.Sequence()
	v.totalShareSupply.Set(newSupply)
	v.totalManagedAssets.Set(newTotal)

	v.emit(&event.Deposit{
		EventID:   uuid.New(),
		Caller:    caller,
		Receiver:  receiver,
		Assets:    new(uint256.Int).Set(assets),
		Shares:    new(uint256.Int).Set(shares),
		Timestamp: now,
	})
	v.applied(op)
	v.checkInvariants()
	return nil
}

// Withdraw pushes an exact asset amount to receiver, burning owner's shares
// rounded up. Returns the shares burned. A zero amount succeeds as a no-op.
func (v *Vault) Withdraw(caller, receiver, owner uuid.UUID, assets *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe("withdraw", time.Now())

	if caller == uuid.Nil || receiver == uuid.Nil || owner == uuid.Nil {
		return nil, v.reject("withdraw", caller, fmt.Errorf("nil account id"))
	}
	if v.paused {
		return nil, v.reject("withdraw", caller, ErrPaused)
	}
	if assets.IsZero() {
		return new(uint256.Int), nil
	}

	shares, err := fixedpoint.AssetsToShares(assets, v.nav, fixedpoint.Scale, fixedpoint.RoundUp)
	if err != nil {
		return nil, v.reject("withdraw", caller, err)
	}

	if err := v.applyWithdraw("withdraw", caller, receiver, owner, assets, shares, true); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns an exact share amount from owner and pushes the asset value
// to receiver, rounded down. Returns the assets paid. A zero amount succeeds
// as a no-op.
func (v *Vault) Redeem(caller, receiver, owner uuid.UUID, shares *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe("redeem", time.Now())

	if caller == uuid.Nil || receiver == uuid.Nil || owner == uuid.Nil {
		return nil, v.reject("redeem", caller, fmt.Errorf("nil account id"))
	}
	if v.paused {
		return nil, v.reject("redeem", caller, ErrPaused)
	}
	if shares.IsZero() {
		return new(uint256.Int), nil
	}

	assets, err := fixedpoint.SharesToAssets(shares, v.nav, fixedpoint.Scale, fixedpoint.RoundDown)
	if err != nil {
		return nil, v.reject("redeem", caller, err)
	}

	if err := v.applyWithdraw("redeem", caller, receiver, owner, assets, shares, true); err != nil {
		return nil, err
	}
	return assets, nil
}

// applyWithdraw runs the shared gate, balance, allowance, and liquidity
// checks, the asset push, and the mutation for Withdraw, Redeem, and batch
// entries. gated=false skips the timing gate (emergency batch path).
func (v *Vault) applyWithdraw(op string, caller, receiver, owner uuid.UUID, assets, shares *uint256.Int, gated bool) error {
	acct := v.account(owner)
	now := v.clk.Now()

	if gated {
		if err := v.gate.CheckWithdraw(acct.Times, v.lastSignificantNAVChange, now, v.clk.Sequence()); err != nil {
			return v.reject(op, owner, err)
		}
	}

	if acct.ShareBalance.Lt(shares) {
		return v.reject(op, owner, &bounds.ViolationError{
			Field: "shareBalance", Value: shares, Limit: acct.ShareBalance,
		})
	}

	if caller != owner {
		if err := v.checkShareAllowance(owner, caller, shares); err != nil {
			return v.reject(op, caller, err)
		}
	}

	onHand := v.ledger.BalanceOf(v.custody)
	if onHand.Lt(assets) {
		return v.reject(op, owner, &InsufficientLiquidityError{
			Requested: new(uint256.Int).Set(assets),
			Available: onHand,
		})
	}

	if err := v.ledger.Transfer(receiver, assets); err != nil {
		return v.reject(op, owner, err)
	}

	// The allowance is debited only after the transfer has succeeded, so
	// a rejected call leaves the approval intact.
	if caller != owner {
		v.debitShareAllowance(owner, caller, shares)
	}

	acct.ShareBalance.Sub(acct.ShareBalance, shares)
	acct.DepositedAssets.Set(satSub(acct.DepositedAssets, assets))
	acct.Times.LastWithdrawalTime = now
	v.totalShareSupply.Sub(v.totalShareSupply, shares)
	v.totalManagedAssets.Set(satSub(v.totalManagedAssets, assets))

	v.emit(&event.Withdrawal{
		EventID:   uuid.New(),
		Caller:    caller,
		Owner:     owner,
		Receiver:  receiver,
		Assets:    new(uint256.Int).Set(assets),
		Shares:    new(uint256.Int).Set(shares),
		Timestamp: now,
	})
	v.applied(op)
	v.checkInvariants()
	return nil
}

// TreasurySweep moves idle assets from custody to the treasury account.
// The assets stay counted in totalManagedAssets; only their location moves,
// so share value is unchanged and later withdrawals compete for what
// remains on hand.
func (v *Vault) TreasurySweep(cap roles.Capability, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe("treasury_sweep", time.Now())

	if err := roles.Require(cap, roles.RoleTreasury); err != nil {
		return v.reject("treasury_sweep", cap.Principal, err)
	}
	if amount.IsZero() {
		return nil
	}

	onHand := v.ledger.BalanceOf(v.custody)
	if onHand.Lt(amount) {
		return v.reject("treasury_sweep", cap.Principal, &InsufficientLiquidityError{
			Requested: new(uint256.Int).Set(amount),
			Available: onHand,
		})
	}

	if err := v.ledger.Transfer(v.treasury, amount); err != nil {
		return v.reject("treasury_sweep", cap.Principal, err)
	}

	v.emit(&event.TreasurySweep{
		EventID:   uuid.New(),
		Treasury:  v.treasury,
		Amount:    new(uint256.Int).Set(amount),
		Timestamp: v.clk.Now(),
	})
	v.applied("treasury_sweep")
	return nil
}

// BatchWithdraw redeems the full share balance of each listed owner back to
// that owner, rounding assets down. With emergency=true the pause flag and
// the timing gate are bypassed; arithmetic bounds and the liquidity check
// never are. All owners are validated before the first payout so a rejected
// batch mutates nothing.
func (v *Vault) BatchWithdraw(cap roles.Capability, owners []uuid.UUID, emergency bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe("batch_withdraw", time.Now())

	if err := roles.Require(cap, roles.RoleAdmin); err != nil {
		return v.reject("batch_withdraw", cap.Principal, err)
	}
	if len(owners) == 0 {
		return nil
	}
	if len(owners) > maxBatchWithdrawals {
		return v.reject("batch_withdraw", cap.Principal, &bounds.ViolationError{
			Field: "batchSize",
			Value: uint256.NewInt(uint64(len(owners))),
			Limit: uint256.NewInt(maxBatchWithdrawals),
		})
	}
	if v.paused && !emergency {
		return v.reject("batch_withdraw", cap.Principal, ErrPaused)
	}

	now := v.clk.Now()
	seq := v.clk.Sequence()

	type payout struct {
		owner  uuid.UUID
		acct   *Account
		shares *uint256.Int
		assets *uint256.Int
	}

	payouts := make([]payout, 0, len(owners))
	totalOut := new(uint256.Int)
	seen := make(map[uuid.UUID]bool, len(owners))

	for _, owner := range owners {
		if owner == uuid.Nil || seen[owner] {
			continue
		}
		seen[owner] = true

		acct, ok := v.accounts[owner]
		if !ok || acct.ShareBalance.IsZero() {
			continue
		}

		if !emergency {
			if err := v.gate.CheckWithdraw(acct.Times, v.lastSignificantNAVChange, now, seq); err != nil {
				return v.reject("batch_withdraw", owner, err)
			}
		}

		assets, err := fixedpoint.SharesToAssets(acct.ShareBalance, v.nav, fixedpoint.Scale, fixedpoint.RoundDown)
		if err != nil {
			return v.reject("batch_withdraw", owner, err)
		}

		payouts = append(payouts, payout{
			owner:  owner,
			acct:   acct,
			shares: new(uint256.Int).Set(acct.ShareBalance),
			assets: assets,
		})
		totalOut.Add(totalOut, assets)
	}

	if len(payouts) == 0 {
		return nil
	}

	onHand := v.ledger.BalanceOf(v.custody)
	if onHand.Lt(totalOut) {
		return v.reject("batch_withdraw", cap.Principal, &InsufficientLiquidityError{
			Requested: totalOut,
			Available: onHand,
		})
	}

	applied := make([]uuid.UUID, 0, len(payouts))
	for _, p := range payouts {
		if err := v.ledger.Transfer(p.owner, p.assets); err != nil {
			// Liquidity was verified upfront; a failure here is a ledger
			// fault. Stop, but record the owners already paid so the
			// event log matches the applied mutations.
			v.logger.Error().Str("owner", p.owner.String()).Err(err).
				Int("paid", len(applied)).Msg("batch payout aborted mid-run")
			if len(applied) > 0 {
				v.emit(&event.BatchWithdrawal{
					EventID:   uuid.New(),
					Owners:    applied,
					Emergency: emergency,
					Timestamp: now,
				})
			}
			return v.reject("batch_withdraw", p.owner, err)
		}

		p.acct.ShareBalance.Clear()
		p.acct.DepositedAssets.Set(satSub(p.acct.DepositedAssets, p.assets))
		p.acct.Times.LastWithdrawalTime = now
		v.totalShareSupply.Sub(v.totalShareSupply, p.shares)
		v.totalManagedAssets.Set(satSub(v.totalManagedAssets, p.assets))
		applied = append(applied, p.owner)
	}

	v.emit(&event.BatchWithdrawal{
		EventID:   uuid.New(),
		Owners:    applied,
		Emergency: emergency,
		Timestamp: now,
	})
	v.applied("batch_withdraw")
	v.checkInvariants()
	return nil
}

// Pause halts deposits, mints, withdrawals, and redemptions. Idempotent.
func (v *Vault) Pause(cap roles.Capability) error {
	return v.setPaused(cap, true)
}

// Unpause resumes user-facing operations. Idempotent.
func (v *Vault) Unpause(cap roles.Capability) error {
	return v.setPaused(cap, false)
}

func (v *Vault) setPaused(cap roles.Capability, paused bool) error {
	op := "pause"
	if !paused {
		op = "unpause"
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.observe(op, time.Now())

	if err := roles.Require(cap, roles.RolePauser); err != nil {
		return v.reject(op, cap.Principal, err)
	}
	if v.paused == paused {
		return nil
	}

	v.paused = paused
	if v.metrics != nil {
		if paused {
			v.metrics.Paused.Set(1)
		} else {
			v.metrics.Paused.Set(0)
		}
	}

	v.emit(&event.PauseChange{
		EventID:   uuid.New(),
		Paused:    paused,
		Timestamp: v.clk.Now(),
	})
	v.applied(op)
	return nil
}

// ApproveShares lets spender move up to amount of owner's shares through
// Withdraw and Redeem. Overwrites any previous approval.
func (v *Vault) ApproveShares(owner, spender uuid.UUID, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if owner == uuid.Nil || spender == uuid.Nil {
		return fmt.Errorf("nil account id")
	}

	set, ok := v.shareAllowances[owner]
	if !ok {
		set = make(map[uuid.UUID]*uint256.Int)
		v.shareAllowances[owner] = set
	}
	set[spender] = new(uint256.Int).Set(amount)
	return nil
}

// ShareAllowance returns the remaining approval from owner to spender.
func (v *Vault) ShareAllowance(owner, spender uuid.UUID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if a, ok := v.shareAllowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

func (v *Vault) checkShareAllowance(owner, spender uuid.UUID, amount *uint256.Int) error {
	allowed, ok := v.shareAllowances[owner][spender]
	if !ok || allowed.Lt(amount) {
		have := new(uint256.Int)
		if ok {
			have.Set(allowed)
		}
		return &AllowanceError{
			Owner:     owner,
			Spender:   spender,
			Requested: new(uint256.Int).Set(amount),
			Allowed:   have,
		}
	}
	return nil
}

// debitShareAllowance assumes checkShareAllowance passed under the same
// lock hold.
func (v *Vault) debitShareAllowance(owner, spender uuid.UUID, amount *uint256.Int) {
	allowed := v.shareAllowances[owner][spender]
	allowed.Sub(allowed, amount)
}

// account returns the record for id, creating it on first touch.
func (v *Vault) account(id uuid.UUID) *Account {
	acct, ok := v.accounts[id]
	if !ok {
		acct = newAccount()
		v.accounts[id] = acct
	}
	return acct
}

func satSub(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func (v *Vault) emit(rec event.Record) {
	v.sequence++
	v.sink.Emit(event.Wrap(v.sequence, rec))
	if v.metrics != nil {
		v.metrics.RecordSequence.Set(float64(v.sequence))
	}
}

func (v *Vault) applied(op string) {
	if v.metrics != nil {
		v.metrics.OpsApplied.WithLabelValues(op).Inc()
		v.updateGauges()
	}
}

func (v *Vault) observe(op string, start time.Time) {
	if v.metrics != nil {
		v.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// reject logs, counts, and for security-relevant refusals emits a diagnostic
// record, then returns err unchanged so callers see the typed failure.
func (v *Vault) reject(op string, account uuid.UUID, err error) error {
	v.logger.Warn().
		Str("operation", op).
		Str("account", account.String()).
		Err(err).
		Msg("operation rejected")

	if v.metrics != nil {
		v.metrics.OpsRejected.WithLabelValues(op, reasonOf(err)).Inc()
	}

	switch err.(type) {
	case *bounds.ViolationError, *gate.NotElapsedError, *InsufficientLiquidityError, *ConversionRiskError:
		v.emit(&event.Rejection{
			EventID:   uuid.New(),
			Operation: op,
			Account:   account,
			Reason:    err.Error(),
			Timestamp: v.clk.Now(),
		})
	}
	return err
}

func reasonOf(err error) string {
	switch err.(type) {
	case *bounds.ViolationError:
		return "bounds"
	case *gate.NotElapsedError:
		return "timing"
	case *InsufficientLiquidityError:
		return "liquidity"
	case *roles.PermissionError:
		return "permission"
	case *token.TransferError:
		return "transfer"
	case *fixedpoint.OverflowError:
		return "overflow"
	case *fixedpoint.NAVRangeError:
		return "nav_range"
	case *ConversionRiskError:
		return "conversion_risk"
	case *AllowanceError:
		return "allowance"
	default:
		if err == ErrPaused {
			return "paused"
		}
		if err == ErrZeroShares {
			return "zero_shares"
		}
		return "other"
	}
}

var milliUnit = uint256.MustFromDecimal("1000000000000000")

// units renders an 18-decimal amount as a float with milli-unit precision
// for gauges.
func units(x *uint256.Int) float64 {
	q := new(uint256.Int).Div(x, milliUnit)
	if !q.IsUint64() {
		return math.Inf(1)
	}
	return float64(q.Uint64()) / 1000
}

func (v *Vault) updateGauges() {
	if v.metrics == nil {
		return
	}
	v.metrics.NAV.Set(units(v.nav))
	v.metrics.TotalAssets.Set(units(v.totalManagedAssets))
	v.metrics.ShareSupply.Set(units(v.totalShareSupply))
	v.metrics.OnHandBalance.Set(units(v.ledger.BalanceOf(v.custody)))
}

// checkInvariants runs after every mutation. Cheap checks always run; the
// O(n) share-sum reconciliation runs every fullInvariantEvery records. A
// violation is unrecoverable corruption, so it panics.
func (v *Vault) checkInvariants() {
	if v.totalManagedAssets.IsZero() && !v.totalShareSupply.IsZero() {
		panic(fmt.Sprintf("FATAL: invariant violated: zero assets with share supply %s outstanding",
			v.totalShareSupply.Dec()))
	}
	if v.totalShareSupply.Gt(bounds.MaxSharesSupply) {
		panic(fmt.Sprintf("FATAL: invariant violated: share supply %s exceeds hard ceiling",
			v.totalShareSupply.Dec()))
	}

	if v.sequence%fullInvariantEvery != 0 {
		return
	}
	sum := new(uint256.Int)
	for _, acct := range v.accounts {
		sum.Add(sum, acct.ShareBalance)
	}
	if sum.Cmp(v.totalShareSupply) != 0 {
		panic(fmt.Sprintf("FATAL: invariant violated: account share sum %s != supply %s",
			sum.Dec(), v.totalShareSupply.Dec()))
	}
}
