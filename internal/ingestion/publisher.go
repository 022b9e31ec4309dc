package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CustodyLedger/internal/core"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RecordStream        = "CUSTODY_RECORDS"
	RecordSubjectPrefix = "custody.records."
)

// Publisher is the subset of JetStream the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed records to NATS for downstream
// consumers. Subjects follow the pattern custody.records.{type}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can query the record log directly
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	data, err := json.Marshal(NewRecordMessage(env))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// The record ID doubles as the JetStream dedup key.
	_, err = op.js.Publish(ctx, RecordSubject(env.Type), data, jetstream.WithMsgID(env.Record.RecordID.String()))
	return err
}

// EnsureOutboundStream creates the outbound records stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      RecordStream,
		Subjects:  []string{RecordSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
