package consumer

import (
	"context"

	"notary/internal/models"
)

// Consumer defines the interface for notarize request consumers.
type Consumer interface {
	// Consume blocks until a message is received or the context is cancelled.
	// It returns the message, an acknowledgement callback, and any error that occurred.
	// The ack callback: ack(true) for successful processing (message will be committed);
	// ack(false) for temporary failure (message will be redelivered).
	Consume(ctx context.Context) (msg *models.NotarizeRequest, ack func(success bool), err error)

	// Close gracefully shuts down the consumer connection.
	Close() error
}
