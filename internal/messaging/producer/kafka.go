package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"notary/config"
	"notary/internal/models"
)

// KafkaProducer implements the Producer interface
type KafkaProducer struct {
	writer *kafka.Writer
	logger zerolog.Logger
	topic  string
}

// New returns a Kafka producer when cfg names brokers and a topic, and a
// NoopProducer otherwise.
func New(cfg config.KafkaProducerConfig, logger zerolog.Logger) (Producer, error) {
	if !cfg.Enabled() {
		logger.Warn().Msg("kafka producer not configured, messages will be dropped")
		return NoopProducer{}, nil
	}
	return NewKafkaProducer(cfg, logger)
}

// NewKafkaProducer creates a new KafkaProducer
func NewKafkaProducer(cfg config.KafkaProducerConfig, logger zerolog.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka producer configuration incomplete: both brokers and topic are required")
	}
	l := logger.With().Str("component", "kafka-producer").Str("topic", cfg.Topic).Logger()

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}

	batchBytes := cfg.BatchBytes
	if batchBytes == 0 {
		batchBytes = 5 * 1024 * 1024 // 5MB
	}

	var requiredAcks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case "none":
		requiredAcks = kafka.RequireNone
	case "one":
		requiredAcks = kafka.RequireOne
	case "all":
		requiredAcks = kafka.RequireAll
	default:
		requiredAcks = kafka.RequireOne // wait for leader
	}

	// async unless the caller asked for explicit acknowledgements
	asyncMode := cfg.Async
	if !cfg.Async && cfg.RequiredAcks == "" {
		asyncMode = true
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{}, // all messages of a run land on one partition

		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		BatchBytes:   int64(batchBytes),

		RequiredAcks: requiredAcks,
		Async:        asyncMode,

		WriteTimeout: writeTimeout,
		ReadTimeout:  readTimeout,

		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			l.Error().Msgf("kafka writer error: "+msg, args...)
		}),
	}

	l.Info().Strs("brokers", cfg.Brokers).Bool("async", asyncMode).Msg("kafka producer created")

	return &KafkaProducer{
		writer: w,
		logger: l,
		topic:  cfg.Topic,
	}, nil
}

func encode(msg models.Message) (kafka.Message, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize message (key: %s): %w", msg.PartitionKey(), err)
	}
	return kafka.Message{Key: []byte(msg.PartitionKey()), Value: b}, nil
}

// Publish sends a message
func (p *KafkaProducer) Publish(ctx context.Context, msg models.Message) error {
	kafkaMsg, err := encode(msg)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		// usually a local error: buffer full or context cancellation
		p.logger.Error().Err(err).Str("key", msg.PartitionKey()).Msg("failed to send kafka message to buffer")
		return fmt.Errorf("failed to write to Kafka buffer: %w", err)
	}
	return nil
}

// PublishBatch sends messages in batch
func (p *KafkaProducer) PublishBatch(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	kafkaMsgs := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		m, err := encode(msg)
		if err != nil {
			return err
		}
		kafkaMsgs[i] = m
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsgs...); err != nil {
		p.logger.Error().Err(err).Int("count", len(msgs)).Msg("failed to send kafka messages in batch")
		return fmt.Errorf("failed to batch write to Kafka buffer: %w", err)
	}

	p.logger.Debug().Int("count", len(msgs)).Msg("added kafka messages to send queue")
	return nil
}

// Close flushes the buffer and closes the writer
func (p *KafkaProducer) Close() error {
	p.logger.Info().Msg("closing kafka producer (and flushing buffer)")
	return p.writer.Close()
}

var _ Producer = (*KafkaProducer)(nil)
