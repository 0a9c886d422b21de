package persistence

import (
	"context"
	"database/sql"
	"time"
)

// FeedDeduper deduplicates NAV feed messages across restarts. NATS delivers
// at-least-once; an update applied twice would double-count the move against
// the change limit.
type FeedDeduper struct {
	db *sql.DB
}

func NewFeedDeduper(db *sql.DB) *FeedDeduper {
	return &FeedDeduper{db: db}
}

// Seen reports whether a feed update ID was already applied.
func (d *FeedDeduper) Seen(updateID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := d.db.QueryRowContext(ctx, `
		SELECT 1 FROM vault_log.nav_feed WHERE update_id = $1 LIMIT 1
	`, updateID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record stores an applied feed update ID. Idempotent.
func (d *FeedDeduper) Record(ctx context.Context, updateID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO vault_log.nav_feed (update_id, applied_at)
		VALUES ($1, NOW())
		ON CONFLICT (update_id) DO NOTHING
	`, updateID)
	return err
}
