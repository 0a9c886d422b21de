package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"NAVVault/internal/event"
)

// RecordRow is a row in vault_log.events.
type RecordRow struct {
	Sequence       int64
	RecordType     string
	IdempotencyKey string
	Payload        []byte // JSON-encoded record
	ChainHash      []byte
	Timestamp      time.Time
}

// RowFromEnvelope flattens an envelope into its storage row.
func RowFromEnvelope(env event.Envelope) (RecordRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return RecordRow{}, fmt.Errorf("marshal record payload: %w", err)
	}
	return RecordRow{
		Sequence:       int64(env.Sequence),
		RecordType:     env.RecordType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        payload,
		Timestamp:      env.Timestamp,
	}, nil
}

// EventLogWriter writes vault records to Postgres using multi-row INSERT.
// Writes are idempotent on sequence, so a retried batch never duplicates.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch writes a batch of rows to vault_log.events inside tx.
func (w *EventLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO vault_log.events
		(sequence, record_type, idempotency_key, payload, chain_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, r.Sequence, r.RecordType, r.IdempotencyKey, r.Payload, r.ChainHash, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ChainTip returns the sequence and chain hash of the last persisted
// record, or ok=false on an empty log.
func (w *EventLogWriter) ChainTip(ctx context.Context) (sequence int64, hash []byte, ok bool, err error) {
	row := w.db.QueryRowContext(ctx,
		`SELECT sequence, chain_hash FROM vault_log.events ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&sequence, &hash); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("query chain tip: %w", err)
	}
	return sequence, hash, true, nil
}
