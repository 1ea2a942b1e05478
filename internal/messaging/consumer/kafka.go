package consumer

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

// KafkaConsumer implements the Consumer interface to consume notarize requests from Kafka
type KafkaConsumer struct {
	reader *kafka.Reader
	logger zerolog.Logger
}

// NewKafkaConsumer creates a new KafkaConsumer instance
func NewKafkaConsumer(cfg config.KafkaConsumerConfig, logger zerolog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("incomplete kafka configuration: brokers, topic, group_id are all required")
	}
	l := logger.With().Str("component", "kafka-consumer").Str("topic", cfg.Topic).Str("group_id", cfg.GroupID).Logger()

	sessionTimeout, err := time.ParseDuration(cfg.SessionTimeout)
	if err != nil {
		l.Warn().Str("value", cfg.SessionTimeout).Msg("invalid session_timeout, using default 30s")
		sessionTimeout = 30 * time.Second
	}

	heartbeatInterval, err := time.ParseDuration(cfg.HeartbeatInterval)
	if err != nil {
		l.Warn().Str("value", cfg.HeartbeatInterval).Msg("invalid heartbeat_interval, using default 3s")
		heartbeatInterval = 3 * time.Second
	}

	readerConfig := kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		MinBytes:          1,
		MaxBytes:          10e6,            // 10MB
		MaxWait:           1 * time.Second, // Max wait time for message fetch
		CommitInterval:    0,               // commits are explicit, after the outcome is stored
		SessionTimeout:    sessionTimeout,
		HeartbeatInterval: heartbeatInterval,
		StartOffset:       kafka.FirstOffset,
	}

	switch cfg.AutoOffsetReset {
	case "latest":
		readerConfig.StartOffset = kafka.LastOffset
	case "earliest", "":
		readerConfig.StartOffset = kafka.FirstOffset
	default:
		l.Warn().Str("value", cfg.AutoOffsetReset).Msg("unknown auto_offset_reset, using earliest")
	}

	r := kafka.NewReader(readerConfig)
	l.Info().Strs("brokers", cfg.Brokers).Msg("kafka consumer created")

	return &KafkaConsumer{reader: r, logger: l}, nil
}

// Consume implements the Consumer interface by reading messages from Kafka
func (k *KafkaConsumer) Consume(ctx context.Context) (*models.NotarizeRequest, func(success bool), error) {
	kafkaMsg, err := k.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			k.logger.Info().Msg("context cancelled, stopping consumption")
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}

	var req models.NotarizeRequest
	if err := json.Unmarshal(kafkaMsg.Value, &req); err != nil {
		k.logger.Error().Err(err).Int64("offset", kafkaMsg.Offset).Msg("failed to deserialize message, discarding")
		_ = k.reader.CommitMessages(ctx, kafkaMsg) // a poison message must not block the partition
		return nil, nil, fmt.Errorf("message deserialization failed: %w", err)
	}

	ack := func(success bool) {
		if success {
			if err := k.reader.CommitMessages(context.Background(), kafkaMsg); err != nil {
				k.logger.Error().Err(err).Int64("offset", kafkaMsg.Offset).Msg("failed to commit offset")
			}
			return
		}
		k.logger.Warn().Int64("offset", kafkaMsg.Offset).Str("request_id", req.RequestID).
			Msg("NACK received, offset will not be committed")
	}

	return &req, ack, nil
}

// Close implements the Consumer interface by closing the Kafka reader
func (k *KafkaConsumer) Close() error {
	k.logger.Info().Msg("closing kafka consumer")
	return k.reader.Close()
}

var _ Consumer = (*KafkaConsumer)(nil)
