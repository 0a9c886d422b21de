package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"NAVVault/internal/observability"
	"NAVVault/internal/vault"
)

// SnapshotManager persists and loads full vault state snapshots. On warm
// restart the service restores the latest verified snapshot and resumes the
// record sequence past the event log tip.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// SaveSnapshot persists a snapshot. Snapshots are written unverified and
// marked verified after an integrity check against the record log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *vault.SnapshotState) error {
	start := time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault_log.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, uuid.New(), int64(snap.Sequence), data, 1, len(data))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// LoadLatestSnapshot returns the most recent verified snapshot, nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*vault.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap vault.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence uint64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE vault_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, int64(sequence))
	return err
}

