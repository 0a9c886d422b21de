package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// NAVFeedSubject carries oracle NAV observations into the vault.
	NAVFeedSubject = "vault.nav.updates"
	// RecordSubjectPrefix is the root of outbound vault record subjects.
	RecordSubjectPrefix = "vault.ledger.records"

	navFeedStream   = "VAULT_NAV"
	navFeedConsumer = "vault-nav-feed"
	recordStream    = "VAULT_LEDGER_RECORDS"
)

// RawUpdate is a feed message pulled off NATS, not yet validated.
// Ack after terminal handling (applied, rejected, or malformed); Nak
// only on transient failures so JetStream redelivers.
type RawUpdate struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
}

// FeedSubscriber consumes the NAV feed from JetStream and hands raw
// messages to the feed pipeline over updateChan.
type FeedSubscriber struct {
	js         jetstream.JetStream
	updateChan chan<- RawUpdate
	consumer   jetstream.ConsumeContext
	logger     zerolog.Logger
}

func NewFeedSubscriber(js jetstream.JetStream, updateChan chan<- RawUpdate, logger zerolog.Logger) *FeedSubscriber {
	return &FeedSubscriber{
		js:         js,
		updateChan: updateChan,
		logger:     logger,
	}
}

// Subscribe creates the durable feed consumer. Explicit ACK with
// max_deliver=5 and ack_wait=30s, so a crashed pipeline replays
// unacked updates on restart.
func (fs *FeedSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := fs.js.CreateOrUpdateConsumer(ctx, navFeedStream, jetstream.ConsumerConfig{
		Durable:       navFeedConsumer,
		FilterSubject: NAVFeedSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", navFeedConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawUpdate{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			Ack:      func() { msg.Ack() },
			Nak:      func() { msg.Nak() },
		}

		select {
		case fs.updateChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", navFeedConsumer, err)
	}

	fs.consumer = cc
	fs.logger.Info().
		Str("subject", NAVFeedSubject).
		Str("consumer", navFeedConsumer).
		Msg("subscribed to NAV feed")
	return nil
}

// Stop gracefully stops the feed consumer.
func (fs *FeedSubscriber) Stop() {
	if fs.consumer != nil {
		fs.consumer.Stop()
	}
	fs.logger.Info().Msg("NAV feed subscriber stopped")
}

// EnsureStreams creates the inbound feed stream and the outbound record
// stream if they don't exist. FileStorage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      navFeedStream,
			Subjects:  []string{"vault.nav.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      recordStream,
			Subjects:  []string{RecordSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
