package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notary/config"
	"notary/internal/messaging/consumer"
	"notary/internal/models"
	"notary/internal/notary"
	"notary/internal/notaryerr"
	"notary/storage/store"
)

// Notarizer is the part of the orchestrator the worker drives
type Notarizer interface {
	Notarize(ctx context.Context, req notary.NotarizeRequest) (*store.Record, error)
	AwaitConfirmation(ctx context.Context, runID string, chainID uint64) (*store.Record, error)
}

// Worker turns queued notarize requests into submitted and confirmed records
type Worker struct {
	workerConfig       config.WorkerConfig
	consumerRetryDelay time.Duration // Parsed from workerConfig.ConsumerRetryDelay
	awaitTimeout       time.Duration // Parsed from workerConfig.AwaitTimeout

	logger    zerolog.Logger
	notarizer Notarizer
	consumer  consumer.Consumer
}

// New creates a new Worker instance
func New(cfg config.WorkerConfig, logger zerolog.Logger, n Notarizer, c consumer.Consumer) *Worker {
	logger = logger.With().Str("component", "worker").Logger()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	consumerRetryDelay, err := time.ParseDuration(cfg.ConsumerRetryDelay)
	if err != nil {
		logger.Warn().Str("value", cfg.ConsumerRetryDelay).Msg("invalid consumer_retry_delay, using default 5s")
		consumerRetryDelay = 5 * time.Second
	}

	awaitTimeout, err := time.ParseDuration(cfg.AwaitTimeout)
	if err != nil {
		logger.Warn().Str("value", cfg.AwaitTimeout).Msg("invalid await_timeout, using default 15m")
		awaitTimeout = 15 * time.Minute
	}

	return &Worker{
		workerConfig:       cfg,
		consumerRetryDelay: consumerRetryDelay,
		awaitTimeout:       awaitTimeout,
		logger:             logger,
		notarizer:          n,
		consumer:           c,
	}
}

// Run starts Concurrency handlers on the consumer and blocks until ctx is done
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Int("concurrency", w.workerConfig.Concurrency).Dur("await_timeout", w.awaitTimeout).Msg("starting worker pool")
	var wg sync.WaitGroup
	for i := 0; i < w.workerConfig.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.logger.Debug().Int("worker_id", workerID).Msg("handler started")
			w.consume(ctx, workerID)
			w.logger.Debug().Int("worker_id", workerID).Msg("handler stopped")
		}(i + 1)
	}
	wg.Wait()
	w.logger.Info().Msg("worker pool stopped")
}

func (w *Worker) consume(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		consumeCtx, consumeCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		msg, ack, err := w.consumer.Consume(consumeCtx)
		consumeCancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error().Err(err).Int("worker_id", workerID).Msg("consumer error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.consumerRetryDelay):
			}
			continue
		}
		if msg == nil {
			continue
		}
		ack(w.Handle(ctx, msg))
	}
}

// Handle processes one request and reports whether it may be acknowledged.
// Requests are redelivered only when the failure is retryable and left no
// terminal record behind, or when the worker is shutting down.
func (w *Worker) Handle(ctx context.Context, msg *models.NotarizeRequest) bool {
	log := w.logger.With().Str("request_id", msg.RequestID).Str("run_id", msg.RunID).Str("network", msg.Network).Logger()
	start := time.Now()

	rec, err := w.notarizer.Notarize(ctx, notary.NotarizeRequest{
		RunID:              msg.RunID,
		Network:            msg.Network,
		IncludeAuditCommit: msg.IncludeAuditCommit,
	})
	if err != nil {
		return w.settle(ctx, log, rec, err)
	}
	if !rec.Status.Terminal() {
		awaitCtx, cancel := context.WithTimeout(ctx, w.awaitTimeout)
		latest, awaitErr := w.notarizer.AwaitConfirmation(awaitCtx, rec.RunID, rec.ChainID)
		cancel()
		if latest != nil {
			rec = latest
		}
		if awaitErr != nil {
			if errors.Is(awaitErr, context.DeadlineExceeded) && ctx.Err() == nil {
				// still pending; the resume poller owns it from here
				log.Warn().Str("tx_hash", rec.TxHash).Dur("waited", w.awaitTimeout).Msg("confirmation still pending")
				return true
			}
			return w.settle(ctx, log, rec, awaitErr)
		}
	}

	log.Info().
		Str("status", string(rec.Status)).
		Str("tx_hash", rec.TxHash).
		Uint64("block_number", rec.BlockNumber).
		Dur("duration", time.Since(start)).
		Msg("notarize request processed")
	return true
}

func (w *Worker) settle(ctx context.Context, log zerolog.Logger, rec *store.Record, err error) bool {
	if ctx.Err() != nil {
		log.Warn().Err(err).Msg("shutting down, request will be redelivered")
		return false
	}
	if rec != nil && rec.Status.Terminal() {
		log.Warn().Err(err).Str("status", string(rec.Status)).Int("attempt", rec.Attempt).Msg("notarization ended in failure")
		return true
	}
	if notaryerr.Retryable(err) {
		log.Warn().Err(err).Msg("transient failure, request will be redelivered")
		return false
	}
	log.Error().Err(err).Str("kind", string(notaryerr.KindOf(err))).Msg("dropping notarize request")
	return true
}
