package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the event log and the
// share projection. Responses carry as_of_sequence for freshness; the
// vault's in-memory state is always at least as new.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ProjectedShares is a row of vault_log.account_shares.
type ProjectedShares struct {
	Account      uuid.UUID `json:"account"`
	Shares       string    `json:"shares"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// StoredRecord is a row of vault_log.events with the payload left as
// raw JSON for the caller to render.
type StoredRecord struct {
	Sequence       int64           `json:"sequence"`
	RecordType     string          `json:"record_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// GetProjectedShares returns the projected share balance for one
// account. A missing row means the account never held shares.
func (qs *QueryService) GetProjectedShares(ctx context.Context, account uuid.UUID) (*ProjectedShares, error) {
	row := qs.db.QueryRowContext(ctx, `
		SELECT shares, updated_sequence
		FROM vault_log.account_shares
		WHERE account = $1`, account)

	resp := &ProjectedShares{Account: account, Shares: "0"}
	if err := row.Scan(&resp.Shares, &resp.AsOfSequence); err != nil {
		if err == sql.ErrNoRows {
			return resp, nil
		}
		return nil, fmt.Errorf("query projected shares: %w", err)
	}
	return resp, nil
}

// ListHolders returns the projected share table ordered by account,
// paginated with a keyset cursor.
func (qs *QueryService) ListHolders(ctx context.Context, after uuid.UUID, limit int) ([]ProjectedShares, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, shares, updated_sequence
		FROM vault_log.account_shares
		WHERE account > $1 AND shares <> '0'
		ORDER BY account ASC
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query holders: %w", err)
	}
	defer rows.Close()

	var holders []ProjectedShares
	for rows.Next() {
		var h ProjectedShares
		if err := rows.Scan(&h.Account, &h.Shares, &h.AsOfSequence); err != nil {
			return nil, fmt.Errorf("scan holder: %w", err)
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// ListRecords pages through the event log in sequence order,
// optionally filtered by record type.
func (qs *QueryService) ListRecords(ctx context.Context, recordType string, fromSequence int64, limit int) ([]StoredRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT sequence, record_type, idempotency_key, payload, timestamp
		FROM vault_log.events
		WHERE sequence >= $1`
	args := []interface{}{fromSequence}
	if recordType != "" {
		query += ` AND record_type = $2`
		args = append(args, recordType)
	}
	query += fmt.Sprintf(` ORDER BY sequence ASC LIMIT %d`, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		if err := rows.Scan(&rec.Sequence, &rec.RecordType, &rec.IdempotencyKey, &rec.Payload, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastSequence returns the newest persisted record sequence, zero on an
// empty log.
func (qs *QueryService) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM vault_log.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return seq.Int64, nil
}
