package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"NAVVault/internal/event"
	"NAVVault/internal/observability"
)

// Worker drains the persist channel and batch-writes records to Postgres.
// The vault side uses BLOCKING sends, so if this worker falls behind the
// vault stalls rather than losing a record.
type Worker struct {
	db           *sql.DB
	writer       *EventLogWriter
	hasher       *ChainHasher
	input        <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	input <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewEventLogWriter(db),
		hasher:       NewChainHasher(),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming records and flushes when the batch fills or the flush
// timeout expires. Blocks until ctx is cancelled or the channel closes; a
// final flush covers whatever is buffered.
func (w *Worker) Run(ctx context.Context) error {
	// Resume the hash chain from the persisted tip so restarts extend
	// the existing chain.
	if seq, tip, ok, err := w.writer.ChainTip(ctx); err != nil {
		return fmt.Errorf("resume hash chain: %w", err)
	} else if ok {
		w.hasher.Resume(tip)
		w.logger.Info().Int64("sequence", seq).Msg("resumed event log hash chain")
	}

	batch := make([]RecordRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := RowFromEnvelope(env)
			if err != nil {
				// A record that cannot marshal is a programming error, not
				// a transient fault; log it and keep the log moving.
				w.logger.Error().Err(err).Uint64("sequence", env.Sequence).Msg("unmarshalable record dropped")
				if w.metrics != nil {
					w.metrics.PersistErrors.WithLabelValues("marshal").Inc()
				}
				continue
			}
			hash := w.hasher.Extend(env.Sequence, row.RecordType, row.Payload)
			row.ChainHash = hash[:]
			batch = append(batch, row)

			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. Records are never dropped; on shutdown it makes one
// last attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, rows []RecordRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(rows)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), rows); err != nil {
					w.logger.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, rows); err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows []RecordRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, rows); err != nil {
		w.countError("write")
		return fmt.Errorf("write batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return fmt.Errorf("commit: %w", err)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistEventsWritten.Add(float64(len(rows)))
		w.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}
	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
