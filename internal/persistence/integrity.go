package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IntegrityReport summarizes a full event log verification.
type IntegrityReport struct {
	Healthy       bool    `json:"healthy"`
	RecordsRead   int64   `json:"records_read"`
	SequenceGaps  []int64 `json:"sequence_gaps,omitempty"`  // first missing sequence per gap
	HashBreaks    []int64 `json:"hash_breaks,omitempty"`    // sequences whose stored hash mismatches
	FirstSequence int64   `json:"first_sequence,omitempty"`
	LastSequence  int64   `json:"last_sequence,omitempty"`
}

// IntegrityChecker re-derives the hash chain over vault_log.events and
// checks the sequence for gaps. A clean report proves no row was
// altered, dropped, or reordered since it was written.
type IntegrityChecker struct {
	db *sql.DB
}

func NewIntegrityChecker(db *sql.DB) *IntegrityChecker {
	return &IntegrityChecker{db: db}
}

const integrityScanBatch = 1000

// Verify walks the full log in sequence order. The scan is read-only
// and batched, so it can run against a live writer; records appended
// after the scan started are simply not covered by this report.
func (c *IntegrityChecker) Verify(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{Healthy: true}
	hasher := NewChainHasher()

	var afterSequence int64
	first := true

	for {
		rows, err := c.db.QueryContext(ctx, `
			SELECT sequence, record_type, payload, chain_hash
			FROM vault_log.events
			WHERE sequence > $1
			ORDER BY sequence ASC
			LIMIT $2`, afterSequence, integrityScanBatch)
		if err != nil {
			return nil, fmt.Errorf("scan events: %w", err)
		}

		read := 0
		for rows.Next() {
			var (
				sequence   int64
				recordType string
				payload    []byte
				stored     []byte
			)
			if err := rows.Scan(&sequence, &recordType, &payload, &stored); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan row: %w", err)
			}
			read++

			if first {
				report.FirstSequence = sequence
				first = false
				if sequence != 1 {
					// Log does not start at the genesis record; the
					// chain can only be checked from the stored tip.
					report.Healthy = false
					report.SequenceGaps = append(report.SequenceGaps, 1)
					hasher.Resume(stored)
					afterSequence = sequence
					report.LastSequence = sequence
					report.RecordsRead++
					continue
				}
			} else if sequence != afterSequence+1 {
				report.Healthy = false
				report.SequenceGaps = append(report.SequenceGaps, afterSequence+1)
				// The chain cannot be recomputed across a gap; re-seed
				// from the stored hash to keep checking the remainder.
				hasher.Resume(stored)
				afterSequence = sequence
				report.LastSequence = sequence
				report.RecordsRead++
				continue
			}

			want := hasher.Extend(uint64(sequence), recordType, payload)
			if !bytes.Equal(want[:], stored) {
				report.Healthy = false
				report.HashBreaks = append(report.HashBreaks, sequence)
				// Re-seed so one corrupt row reports once instead of
				// cascading through the rest of the log.
				hasher.Resume(stored)
			}

			afterSequence = sequence
			report.LastSequence = sequence
			report.RecordsRead++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate events: %w", err)
		}
		rows.Close()

		if read < integrityScanBatch {
			return report, nil
		}
	}
}

// VerifyWithTimeout bounds a verification run, for the admin endpoint.
func (c *IntegrityChecker) VerifyWithTimeout(ctx context.Context, timeout time.Duration) (*IntegrityReport, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Verify(ctx)
}
