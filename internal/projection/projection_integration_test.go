package projection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"NAVVault/internal/event"
	"NAVVault/internal/fixedpoint"
	"NAVVault/internal/persistence"
	"NAVVault/internal/projection"
	"NAVVault/internal/query"
	"NAVVault/internal/testutil"
)

// ============================================================
// Fixtures
// ============================================================

func setupProjectionDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate up: %v", err)
	}
	return db, cleanup
}

// seedRecords builds the canonical four-record history: alice deposits 100,
// bob deposits 50, alice withdraws 30, bob is paid out in a batch.
func seedRecords(alice, bob uuid.UUID) []event.Envelope {
	now := time.Now().UTC()
	return []event.Envelope{
		event.Wrap(1, &event.Deposit{
			EventID: uuid.New(), Caller: alice, Receiver: alice,
			Assets: fixedpoint.Units(100), Shares: fixedpoint.Units(100), Timestamp: now,
		}),
		event.Wrap(2, &event.Deposit{
			EventID: uuid.New(), Caller: bob, Receiver: bob,
			Assets: fixedpoint.Units(50), Shares: fixedpoint.Units(50), Timestamp: now,
		}),
		event.Wrap(3, &event.Withdrawal{
			EventID: uuid.New(), Caller: alice, Owner: alice, Receiver: alice,
			Assets: fixedpoint.Units(30), Shares: fixedpoint.Units(30), Timestamp: now,
		}),
		event.Wrap(4, &event.BatchWithdrawal{
			EventID: uuid.New(), Owners: []uuid.UUID{bob}, Timestamp: now,
		}),
	}
}

// project runs the share projector over the envelopes to completion.
func project(t *testing.T, db *sql.DB, envs []event.Envelope) {
	t.Helper()

	input := make(chan event.Envelope, len(envs))
	for _, env := range envs {
		input <- env
	}
	close(input)

	projector := projection.NewShareProjector(db, input, zerolog.Nop())
	if err := projector.Run(context.Background()); err != nil {
		t.Fatalf("projector run: %v", err)
	}
}

// persist writes the envelopes to the event log for rebuild tests.
func persist(t *testing.T, db *sql.DB, envs []event.Envelope) {
	t.Helper()

	input := make(chan event.Envelope, len(envs))
	for _, env := range envs {
		input <- env
	}
	close(input)

	worker := persistence.NewWorker(db, input, 10, 10*time.Millisecond, nil, zerolog.Nop())
	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("persistence worker run: %v", err)
	}
}

// ============================================================
// Projector
// ============================================================

func TestShareProjectorAppliesRecords(t *testing.T) {
	db, cleanup := setupProjectionDB(t)
	defer cleanup()
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	project(t, db, seedRecords(alice, bob))

	qs := query.NewQueryService(db)

	got, err := qs.GetProjectedShares(ctx, alice)
	if err != nil {
		t.Fatalf("alice shares: %v", err)
	}
	if want := fixedpoint.Units(70).Dec(); got.Shares != want {
		t.Errorf("alice shares: got %q, want %q", got.Shares, want)
	}

	got, err = qs.GetProjectedShares(ctx, bob)
	if err != nil {
		t.Fatalf("bob shares: %v", err)
	}
	if got.Shares != "0" {
		t.Errorf("bob shares after batch payout: got %q, want %q", got.Shares, "0")
	}

	got, err = qs.GetProjectedShares(ctx, uuid.New())
	if err != nil {
		t.Fatalf("unknown account: %v", err)
	}
	if got.Shares != "0" {
		t.Errorf("unknown account shares: got %q, want %q", got.Shares, "0")
	}
}

func TestListHoldersSkipsEmptyBalances(t *testing.T) {
	db, cleanup := setupProjectionDB(t)
	defer cleanup()
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	project(t, db, seedRecords(alice, bob))

	holders, err := query.NewQueryService(db).ListHolders(ctx, uuid.Nil, 10)
	if err != nil {
		t.Fatalf("list holders: %v", err)
	}
	if len(holders) != 1 {
		t.Fatalf("holders: got %d, want 1", len(holders))
	}
	if holders[0].Account != alice {
		t.Errorf("holder: got %s, want %s", holders[0].Account, alice)
	}
}

// ============================================================
// Rebuild
// ============================================================

func TestRebuildRepairsCorruptProjection(t *testing.T) {
	db, cleanup := setupProjectionDB(t)
	defer cleanup()
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	envs := seedRecords(alice, bob)
	persist(t, db, envs)
	project(t, db, envs)

	// Corrupt alice's row as a dropped-record stand-in.
	if _, err := db.ExecContext(ctx,
		`UPDATE vault_log.account_shares SET shares = '1' WHERE account = $1`, alice); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	if err := projection.Rebuild(ctx, db, zerolog.Nop()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	got, err := query.NewQueryService(db).GetProjectedShares(ctx, alice)
	if err != nil {
		t.Fatalf("alice shares: %v", err)
	}
	if want := fixedpoint.Units(70).Dec(); got.Shares != want {
		t.Errorf("alice shares after rebuild: got %q, want %q", got.Shares, want)
	}
}

// ============================================================
// Record queries
// ============================================================

func TestListRecordsFiltersAndPaginates(t *testing.T) {
	db, cleanup := setupProjectionDB(t)
	defer cleanup()
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	persist(t, db, seedRecords(alice, bob))

	qs := query.NewQueryService(db)

	all, err := qs.ListRecords(ctx, "", 0, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("records: got %d, want 4", len(all))
	}
	if all[0].Sequence != 1 || all[3].Sequence != 4 {
		t.Errorf("sequence order: got [%d..%d], want [1..4]", all[0].Sequence, all[3].Sequence)
	}

	deposits, err := qs.ListRecords(ctx, "Deposit", 0, 10)
	if err != nil {
		t.Fatalf("list deposits: %v", err)
	}
	if len(deposits) != 2 {
		t.Errorf("deposit records: got %d, want 2", len(deposits))
	}

	tail, err := qs.ListRecords(ctx, "", 3, 10)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("records from sequence 3: got %d, want 2", len(tail))
	}

	last, err := qs.LastSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last != 4 {
		t.Errorf("last sequence: got %d, want 4", last)
	}
}
