package rpcguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"notary/config"
	"notary/internal/notaryerr"
)

func newGuard(timeout time.Duration) *Guard {
	return New("test", config.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute, HalfOpenRequests: 1}, timeout, zerolog.Nop())
}

func TestGuardTripsOnlyOnTransportFailures(t *testing.T) {
	g := newGuard(time.Second)
	ctx := context.Background()

	rejected := notaryerr.New(notaryerr.KindSubmissionRejected, "nonce too low")
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, g.Do(ctx, "send", func(context.Context) error { return rejected }), notaryerr.ErrSubmissionRejected)
	}
	assert.Equal(t, "closed", g.State())

	down := notaryerr.New(notaryerr.KindNetworkUnavailable, "connection refused")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, g.Do(ctx, "send", func(context.Context) error { return down }), notaryerr.ErrNetworkUnavailable)
	}
	assert.Equal(t, "open", g.State())

	called := false
	err := g.Do(ctx, "send", func(context.Context) error { called = true; return nil })
	assert.False(t, called)
	assert.ErrorIs(t, err, notaryerr.ErrNetworkUnavailable)
}

func TestGuardCallTimeoutIsNetworkUnavailable(t *testing.T) {
	g := newGuard(10 * time.Millisecond)
	err := g.Do(context.Background(), "receipt", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, notaryerr.ErrNetworkUnavailable)
}

func TestGuardCallerCancellation(t *testing.T) {
	g := newGuard(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, "receipt", func(ctx context.Context) error { return ctx.Err() })
	assert.True(t, errors.Is(err, context.Canceled))
}
