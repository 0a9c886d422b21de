package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"NAVVault/internal/event"
)

const rebuildScanBatch = 1000

// Rebuild recomputes vault_log.account_shares by replaying the full
// event log. Safe to run any time; the table is swapped in one
// transaction at the end.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	balances := make(map[uuid.UUID]*uint256.Int)
	var lastSequence int64

	var afterSequence int64
	for {
		rows, err := db.QueryContext(ctx, `
			SELECT sequence, record_type, payload
			FROM vault_log.events
			WHERE sequence > $1
			ORDER BY sequence ASC
			LIMIT $2`, afterSequence, rebuildScanBatch)
		if err != nil {
			return fmt.Errorf("scan events: %w", err)
		}

		read := 0
		for rows.Next() {
			var (
				sequence   int64
				recordType string
				payload    []byte
			)
			if err := rows.Scan(&sequence, &recordType, &payload); err != nil {
				rows.Close()
				return fmt.Errorf("scan row: %w", err)
			}
			read++
			afterSequence = sequence
			lastSequence = sequence

			if err := accumulate(balances, recordType, payload); err != nil {
				rows.Close()
				return fmt.Errorf("replay sequence %d: %w", sequence, err)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate events: %w", err)
		}
		rows.Close()

		if read < rebuildScanBatch {
			break
		}
	}

	if err := swapIn(ctx, db, balances, lastSequence); err != nil {
		return err
	}

	logger.Info().
		Int("accounts", len(balances)).
		Int64("last_sequence", lastSequence).
		Msg("share projection rebuilt")
	return nil
}

func accumulate(balances map[uuid.UUID]*uint256.Int, recordType string, payload []byte) error {
	get := func(account uuid.UUID) *uint256.Int {
		bal, ok := balances[account]
		if !ok {
			bal = new(uint256.Int)
			balances[account] = bal
		}
		return bal
	}

	switch recordType {
	case event.RecordTypeDeposit.String():
		var rec event.Deposit
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal deposit: %w", err)
		}
		bal := get(rec.Receiver)
		bal.Add(bal, rec.Shares)

	case event.RecordTypeWithdrawal.String():
		var rec event.Withdrawal
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal withdrawal: %w", err)
		}
		bal := get(rec.Owner)
		if bal.Lt(rec.Shares) {
			return fmt.Errorf("log underflow for %s: have %s, burn %s",
				rec.Owner, bal.Dec(), rec.Shares.Dec())
		}
		bal.Sub(bal, rec.Shares)

	case event.RecordTypeBatchWithdrawal.String():
		var rec event.BatchWithdrawal
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal batch withdrawal: %w", err)
		}
		for _, owner := range rec.Owners {
			get(owner).Clear()
		}
	}
	return nil
}

// swapIn replaces the projection table contents in one transaction.
func swapIn(ctx context.Context, db *sql.DB, balances map[uuid.UUID]*uint256.Int, lastSequence int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE vault_log.account_shares`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	const insertBatch = 500
	pending := make([]interface{}, 0, insertBatch*3)
	values := make([]string, 0, insertBatch)

	flush := func() error {
		if len(values) == 0 {
			return nil
		}
		query := `INSERT INTO vault_log.account_shares (account, shares, updated_sequence) VALUES ` +
			strings.Join(values, ", ")
		if _, err := tx.ExecContext(ctx, query, pending...); err != nil {
			return fmt.Errorf("insert shares: %w", err)
		}
		pending = pending[:0]
		values = values[:0]
		return nil
	}

	for account, shares := range balances {
		base := len(pending)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		pending = append(pending, account, shares.Dec(), lastSequence)

		if len(values) >= insertBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	return tx.Commit()
}
