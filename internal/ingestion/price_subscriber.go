package ingestion

import (
	"context"
	"fmt"
	"time"

	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/oracle"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PriceStream   = "CUSTODY_PRICES"
	PriceSubjects = "custody.prices.>"
	PriceConsumer = "custody-ledger-prices"

	// Price outcomes recorded in metrics
	PriceApplied   = "applied"
	PriceIgnored   = "ignored"
	PriceMalformed = "malformed"
	PriceMirrorErr = "mirror_error"
)

// RoundStore is an optional second home for accepted rounds, such as the
// Redis feed cache.
type RoundStore interface {
	Store(ctx context.Context, oracleRef string, r oracle.Round) error
}

// PriceSubscriber consumes price rounds from JetStream and applies them to
// the in-process feed table the oracle adapter reads.
type PriceSubscriber struct {
	js       jetstream.JetStream
	feeds    *oracle.MemoryFeeds
	mirror   RoundStore
	metrics  *observability.Metrics
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(
	js jetstream.JetStream,
	feeds *oracle.MemoryFeeds,
	mirror RoundStore,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		feeds:   feeds,
		mirror:  mirror,
		metrics: metrics,
		log:     logger,
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       PriceConsumer,
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", PriceConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ps.HandleMessage(ctx, msg.Subject(), msg.Data())
		// Every outcome is final: malformed rounds would fail again on redelivery.
		if err := msg.Ack(); err != nil {
			ps.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("price ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PriceConsumer, err)
	}

	ps.consumer = cc
	ps.log.Info().Str("subject", PriceSubjects).Str("consumer", PriceConsumer).Msg("subscribed to prices")
	return nil
}

// HandleMessage parses and applies one price round and returns its outcome.
// Rounds that do not supersede the stored one are ignored.
func (ps *PriceSubscriber) HandleMessage(ctx context.Context, subject string, data []byte) string {
	ref, round, err := ParsePriceMessage(subject, data)
	if err != nil {
		ps.log.Warn().Err(err).Str("subject", subject).Msg("dropping malformed price")
		ps.metrics.ObservePriceRound(PriceMalformed)
		return PriceMalformed
	}

	if !ps.feeds.Apply(ref, round) {
		ps.log.Debug().Str("oracle", ref).Uint64("round", round.RoundID).Msg("ignoring superseded price round")
		ps.metrics.ObservePriceRound(PriceIgnored)
		return PriceIgnored
	}

	if ps.mirror != nil {
		if err := ps.mirror.Store(ctx, ref, round); err != nil {
			ps.log.Warn().Err(err).Str("oracle", ref).Msg("price mirror write failed")
			ps.metrics.ObservePriceRound(PriceMirrorErr)
		}
	}

	ps.log.Debug().
		Str("oracle", ref).
		Str("answer", round.Answer.String()).
		Uint64("round", round.RoundID).
		Msg("price round applied")
	ps.metrics.ObservePriceRound(PriceApplied)
	return PriceApplied
}

// Stop stops message delivery.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}

// EnsurePriceStream creates the price stream if it doesn't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PriceStream,
		Subjects:  []string{PriceSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("custody-ledger"),
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
