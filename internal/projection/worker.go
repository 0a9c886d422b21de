package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"NAVVault/internal/event"
)

// ShareProjector maintains vault_log.account_shares from the record
// stream. The feed channel is non-blocking with drop on the vault side;
// a projection that falls behind or drops records is repaired with
// Rebuild from the event log.
type ShareProjector struct {
	db     *sql.DB
	input  <-chan event.Envelope
	logger zerolog.Logger
}

func NewShareProjector(db *sql.DB, input <-chan event.Envelope, logger zerolog.Logger) *ShareProjector {
	return &ShareProjector{
		db:     db,
		input:  input,
		logger: logger,
	}
}

// Run applies records until the channel closes or ctx is cancelled.
func (p *ShareProjector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}

			if err := p.apply(ctx, env); err != nil {
				// Projections are eventually consistent; a failed
				// update is repaired by the next rebuild.
				p.logger.Warn().
					Err(err).
					Uint64("sequence", env.Sequence).
					Msg("share projection update failed")
			}
		}
	}
}

func (p *ShareProjector) apply(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return applyRecord(ctx, p.db, int64(env.Sequence), env.RecordType, payload)
}

func applyRecord(ctx context.Context, db *sql.DB, sequence int64, recordType event.RecordType, payload []byte) error {
	switch recordType {
	case event.RecordTypeDeposit:
		var rec event.Deposit
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal deposit: %w", err)
		}
		return adjustShares(ctx, db, rec.Receiver, rec.Shares, true, sequence)

	case event.RecordTypeWithdrawal:
		var rec event.Withdrawal
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal withdrawal: %w", err)
		}
		return adjustShares(ctx, db, rec.Owner, rec.Shares, false, sequence)

	case event.RecordTypeBatchWithdrawal:
		var rec event.BatchWithdrawal
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal batch withdrawal: %w", err)
		}
		// A batch payout redeems each owner's full balance.
		for _, owner := range rec.Owners {
			if err := setShares(ctx, db, owner, new(uint256.Int), sequence); err != nil {
				return err
			}
		}
		return nil

	default:
		// Only share-moving records touch this projection.
		return nil
	}
}

// adjustShares applies a credit or debit inside one transaction, with
// the row locked across the read-modify-write.
func adjustShares(ctx context.Context, db *sql.DB, account uuid.UUID, delta *uint256.Int, credit bool, sequence int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT shares FROM vault_log.account_shares WHERE account = $1 FOR UPDATE`,
		account).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read shares: %w", err)
	}

	current := new(uint256.Int)
	if err == nil {
		current, err = uint256.FromDecimal(stored)
		if err != nil {
			return fmt.Errorf("corrupt shares row for %s: %w", account, err)
		}
	}

	if credit {
		current.Add(current, delta)
	} else if current.Lt(delta) {
		// The vault never over-debits; a projection that would is
		// missing records and needs a rebuild.
		return fmt.Errorf("projection underflow for %s: have %s, debit %s",
			account, current.Dec(), delta.Dec())
	} else {
		current.Sub(current, delta)
	}

	if err := upsertShares(ctx, tx, account, current, sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func setShares(ctx context.Context, db *sql.DB, account uuid.UUID, shares *uint256.Int, sequence int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertShares(ctx, tx, account, shares, sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertShares(ctx context.Context, tx *sql.Tx, account uuid.UUID, shares *uint256.Int, sequence int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_log.account_shares (account, shares, updated_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account) DO UPDATE
			SET shares = EXCLUDED.shares, updated_sequence = EXCLUDED.updated_sequence`,
		account, shares.Dec(), sequence)
	if err != nil {
		return fmt.Errorf("upsert shares: %w", err)
	}
	return nil
}
