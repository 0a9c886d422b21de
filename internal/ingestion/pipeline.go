package ingestion

import (
	"context"

	"NAVVault/internal/clock"
	"NAVVault/internal/observability"
	"NAVVault/internal/roles"
	"NAVVault/internal/vault"

	"github.com/rs/zerolog"
)

// Deduper tracks feed update IDs already handled, so JetStream
// redeliveries of an acked-then-crashed message are not reapplied.
type Deduper interface {
	Seen(updateID string) (bool, error)
	Record(ctx context.Context, updateID string) error
}

// FeedPipeline drains raw NAV feed messages, validates them, and
// applies them to the vault under the oracle capability.
//
// Ack/Nak discipline: malformed, duplicate, and vault-rejected updates
// are terminal and acked. Only transient failures (deduper storage
// unreachable) are naked for redelivery.
type FeedPipeline struct {
	vault   *vault.Vault
	cap     roles.Capability
	deduper Deduper
	seen    *SeenCache
	input   <-chan RawUpdate
	seq     clock.Advancer
	metrics *observability.Metrics
	logger  zerolog.Logger
}

const seenCacheCapacity = 4096

func NewFeedPipeline(v *vault.Vault, cap roles.Capability, deduper Deduper, input <-chan RawUpdate, seq clock.Advancer, metrics *observability.Metrics, logger zerolog.Logger) *FeedPipeline {
	return &FeedPipeline{
		vault:   v,
		cap:     cap,
		deduper: deduper,
		seen:    NewSeenCache(seenCacheCapacity),
		input:   input,
		seq:     seq,
		metrics: metrics,
		logger:  logger,
	}
}

// Run processes feed messages until the channel closes or ctx is
// cancelled.
func (p *FeedPipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-p.input:
			if !ok {
				return nil
			}
			p.handle(ctx, raw)
		}
	}
}

func (p *FeedPipeline) handle(ctx context.Context, raw RawUpdate) {
	update, err := ParseFeedUpdate(raw.Data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.NAVUpdatesMalformed.Inc()
		}
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed NAV update")
		raw.Ack()
		return
	}

	if p.seen.Contains(update.UpdateID) {
		p.logger.Debug().Str("update_id", update.UpdateID).Msg("duplicate NAV update (cache)")
		raw.Ack()
		return
	}
	seen, err := p.deduper.Seen(update.UpdateID)
	if err != nil {
		p.logger.Warn().Err(err).Str("update_id", update.UpdateID).Msg("dedup lookup failed, will redeliver")
		raw.Nak()
		return
	}
	if seen {
		p.seen.Add(update.UpdateID)
		p.logger.Debug().Str("update_id", update.UpdateID).Msg("duplicate NAV update")
		raw.Ack()
		return
	}

	// Each update handed to the vault is one ingested operation on the
	// logical sequence the withdrawal gap predicate counts.
	if p.seq != nil {
		p.seq.Advance()
	}
	if err := p.vault.UpdateNAV(p.cap, update.NAV, update.TotalAssets); err != nil {
		// Rejections are the vault's verdict on this observation.
		// Redelivering the same numbers cannot change it.
		p.logger.Warn().
			Err(err).
			Str("update_id", update.UpdateID).
			Str("source", update.Source).
			Msg("NAV update rejected")
	} else {
		if p.metrics != nil {
			p.metrics.NAVUpdatesIngested.Inc()
		}
		p.logger.Info().
			Str("update_id", update.UpdateID).
			Str("source", update.Source).
			Str("nav", update.NAV.Dec()).
			Msg("NAV update applied")
	}

	p.seen.Add(update.UpdateID)
	if err := p.deduper.Record(ctx, update.UpdateID); err != nil {
		// The NAV interval gate bounds the damage of a redelivered
		// update, so this is not worth a Nak after applying.
		p.logger.Warn().Err(err).Str("update_id", update.UpdateID).Msg("dedup record failed")
	}
	raw.Ack()
}
