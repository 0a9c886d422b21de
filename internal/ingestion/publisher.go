package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"NAVVault/internal/event"
	"NAVVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// publishedRecord is the outbound wire format. Payload is the full
// typed record; consumers dispatch on record_type.
type publishedRecord struct {
	Sequence       uint64       `json:"sequence"`
	RecordType     string       `json:"record_type"`
	IdempotencyKey string       `json:"idempotency_key"`
	Payload        event.Record `json:"payload"`
	Timestamp      time.Time    `json:"timestamp"`
}

// RecordPublisher pushes vault records to NATS for downstream
// consumers. Publishing is best-effort: a failed publish is logged and
// dropped, since the durable event log is the source of truth.
type RecordPublisher struct {
	js      jetstream.JetStream
	input   <-chan event.Envelope
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRecordPublisher(js jetstream.JetStream, input <-chan event.Envelope, metrics *observability.Metrics, logger zerolog.Logger) *RecordPublisher {
	return &RecordPublisher{
		js:      js,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// Run drains the input channel until it closes or ctx is cancelled.
func (rp *RecordPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-rp.input:
			if !ok {
				return nil
			}

			if err := rp.publish(ctx, env); err != nil {
				if rp.metrics != nil {
					rp.metrics.PublishErrors.Inc()
				}
				rp.logger.Warn().
					Err(err).
					Uint64("sequence", env.Sequence).
					Str("record_type", env.RecordType.String()).
					Msg("outbound publish failed")
			}
		}
	}
}

func (rp *RecordPublisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(publishedRecord{
		Sequence:       env.Sequence,
		RecordType:     env.RecordType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", RecordSubjectPrefix, env.RecordType.String())
	_, err = rp.js.Publish(ctx, subject, data)
	return err
}

// QueueSink feeds a bounded channel without ever blocking the vault.
// When the channel is full the envelope is dropped and counted; the
// persistence path carries its own copy, so drops lose no data.
type QueueSink struct {
	ch      chan<- event.Envelope
	metrics *observability.Metrics
}

func NewQueueSink(ch chan<- event.Envelope, metrics *observability.Metrics) *QueueSink {
	return &QueueSink{ch: ch, metrics: metrics}
}

func (s *QueueSink) Emit(env event.Envelope) {
	select {
	case s.ch <- env:
	default:
		if s.metrics != nil {
			s.metrics.PublishDrops.Inc()
		}
	}
}
