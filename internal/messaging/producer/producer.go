package producer

import (
	"context"

	"notary/internal/models"
)

// Producer defines the interface for message queue producer
type Producer interface {
	// Publish sends a single message to the producer's topic
	Publish(ctx context.Context, msg models.Message) error

	// PublishBatch sends messages in batch to the producer's topic
	PublishBatch(ctx context.Context, msgs []models.Message) error

	// Close closes the producer connection
	Close() error
}

// NoopProducer drops every message. It stands in when Kafka is not configured.
type NoopProducer struct{}

func (NoopProducer) Publish(context.Context, models.Message) error        { return nil }
func (NoopProducer) PublishBatch(context.Context, []models.Message) error { return nil }
func (NoopProducer) Close() error                                         { return nil }

var _ Producer = NoopProducer{}
