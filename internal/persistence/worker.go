package persistence

import (
	"context"
	"database/sql"
	"time"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/observability"

	"github.com/rs/zerolog"
)

const maxBackoff = 30 * time.Second

// Worker drains the persist channel and batch-writes to Postgres.
// The engine sends to the persist channel with a BLOCKING send, so if this
// worker falls behind the engine stalls and no record is lost.
type Worker struct {
	db           *sql.DB
	writer       *Writer
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Worker{
		db:           db,
		writer:       NewWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          logger,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. It blocks until ctx is cancelled or the input
// channel is closed, flushing whatever is pending before returning.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: take what the engine already handed over.
			batch = w.drainPending(batch)
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flushWithRetry(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, output)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.log.Error().Err(err).Int("records", len(batch)).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.log.Error().Err(err).Int("records", len(batch)).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *Worker) drainPending(batch []core.CoreOutput) []core.CoreOutput {
	for {
		select {
		case output, ok := <-w.inputChan:
			if !ok {
				return batch
			}
			batch = append(batch, output)
		default:
			return batch
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation it makes one last attempt with a
// background context so the batch is not lost.
func (w *Worker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		w.log.Warn().Err(err).Msg("persistence flush failed")
		w.metrics.ObservePersistError("retry")
	}
}

func (w *Worker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.metrics.ObservePersistError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, batch); err != nil {
		w.metrics.ObservePersistError("write_batch")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.metrics.ObservePersistError("tx_commit")
		return err
	}

	lastSeq := batch[len(batch)-1].Envelope.Sequence
	w.metrics.ObservePersistBatch(len(batch), lastSeq, time.Since(start))
	w.log.Debug().Int("records", len(batch)).Int64("last_sequence", lastSeq).Msg("batch persisted")
	return nil
}
