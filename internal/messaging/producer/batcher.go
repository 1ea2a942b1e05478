package producer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notary/config"
	"notary/internal/models"
)

// EventBatcher buffers notarization events and publishes them in batches so that
// record transitions never wait on Kafka.
type EventBatcher struct {
	batchSize    int
	batchTimeout time.Duration
	publishTO    time.Duration
	logger       zerolog.Logger
	producer     Producer

	buffer      []models.Message
	bufferMutex sync.Mutex
	flushChan   chan []models.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventBatcher starts the timer and publishing goroutines
func NewEventBatcher(cfg config.EventBatcherConfig, p Producer, logger zerolog.Logger) *EventBatcher {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := &EventBatcher{
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		publishTO:    10 * time.Second,
		logger:       logger.With().Str("component", "event-batcher").Logger(),
		producer:     p,
		buffer:       make([]models.Message, 0, cfg.BatchSize),
		flushChan:    make(chan []models.Message, cfg.FlushChannelBuffer),
		ctx:          ctx,
		cancel:       cancel,
	}

	b.wg.Add(2)
	go b.batchTimer()
	go b.batchPublisher()
	return b
}

// Emit queues an event; a full buffer triggers an immediate flush
func (b *EventBatcher) Emit(ev *models.NotarizationEvent) {
	b.bufferMutex.Lock()
	b.buffer = append(b.buffer, ev)
	shouldFlush := len(b.buffer) >= b.batchSize
	b.bufferMutex.Unlock()

	if shouldFlush {
		b.flushIfNeeded()
	}
}

func (b *EventBatcher) batchTimer() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushIfNeeded()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *EventBatcher) batchPublisher() {
	defer b.wg.Done()

	for {
		select {
		case batch := <-b.flushChan:
			b.publish(batch)
		case <-b.ctx.Done():
			// drain what is queued, then whatever is still buffered
			for drained := false; !drained; {
				select {
				case batch := <-b.flushChan:
					b.publish(batch)
				default:
					drained = true
				}
			}
			b.bufferMutex.Lock()
			remaining := b.buffer
			b.buffer = nil
			b.bufferMutex.Unlock()
			b.publish(remaining)
			return
		}
	}
}

// flushIfNeeded hands the buffer to the publisher. If the flush channel is full the
// batch goes back into the buffer and the next tick retries.
func (b *EventBatcher) flushIfNeeded() {
	b.bufferMutex.Lock()
	if len(b.buffer) == 0 {
		b.bufferMutex.Unlock()
		return
	}
	batch := make([]models.Message, len(b.buffer))
	copy(batch, b.buffer)
	b.buffer = b.buffer[:0]
	b.bufferMutex.Unlock()

	select {
	case b.flushChan <- batch:
	default:
		b.logger.Warn().Int("count", len(batch)).Msg("flush channel full, will flush on next timer")
		b.bufferMutex.Lock()
		b.buffer = append(batch, b.buffer...)
		b.bufferMutex.Unlock()
	}
}

func (b *EventBatcher) publish(batch []models.Message) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), b.publishTO)
	defer cancel()
	if err := b.producer.PublishBatch(ctx, batch); err != nil {
		// events are a feed; the store remains the source of truth
		b.logger.Error().Err(err).Int("count", len(batch)).Msg("event batch publish failed")
		return
	}
	b.logger.Debug().Int("count", len(batch)).Dur("took", time.Since(start)).Msg("event batch published")
}

// Close flushes pending events and stops the goroutines
func (b *EventBatcher) Close() {
	b.cancel()
	b.wg.Wait()
}
