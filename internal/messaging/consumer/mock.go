package consumer

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"notary/internal/models"
)

// MockConsumer serves requests from an in-memory queue. The engine uses it when
// the broker list is mock://local; tests push requests directly.
type MockConsumer struct {
	logger   zerolog.Logger
	messages chan *models.NotarizeRequest

	mu     sync.Mutex
	acked  []string
	nacked []string
	closed bool
}

// NewMockConsumer creates a MockConsumer preloaded with msgs.
func NewMockConsumer(logger zerolog.Logger, msgs ...*models.NotarizeRequest) *MockConsumer {
	mc := &MockConsumer{
		logger:   logger.With().Str("component", "mock-consumer").Logger(),
		messages: make(chan *models.NotarizeRequest, len(msgs)+64),
	}
	for _, msg := range msgs {
		mc.messages <- msg
	}
	mc.logger.Info().Int("count", len(msgs)).Msg("predefined messages loaded")
	return mc
}

// Push queues a request. It reports false if the queue is full or closed.
func (m *MockConsumer) Push(msg *models.NotarizeRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.messages <- msg:
		return true
	default:
		return false
	}
}

// Consume reads queued messages.
func (m *MockConsumer) Consume(ctx context.Context) (*models.NotarizeRequest, func(success bool), error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case msg, ok := <-m.messages:
		if !ok {
			return nil, nil, errors.New("message channel closed")
		}
		m.logger.Debug().Str("request_id", msg.RequestID).Msg("consumed message")

		ack := func(success bool) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if success {
				m.acked = append(m.acked, msg.RequestID)
				return
			}
			m.nacked = append(m.nacked, msg.RequestID)
			if m.closed {
				return
			}
			select {
			case m.messages <- msg:
			default:
				m.logger.Warn().Str("request_id", msg.RequestID).Msg("failed to re-queue message (channel full)")
			}
		}
		return msg, ack, nil
	}
}

// Acked returns the request ids acknowledged so far
func (m *MockConsumer) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// Nacked returns the request ids negatively acknowledged so far
func (m *MockConsumer) Nacked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.nacked...)
}

// Close closes the message channel.
func (m *MockConsumer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.messages)
	}
	return nil
}

var _ Consumer = (*MockConsumer)(nil)
