// Package rpcguard bounds chain RPC calls with a per-call timeout and a per-endpoint
// circuit breaker.
package rpcguard

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"notary/config"
	"notary/internal/notaryerr"
)

// Guard wraps calls to one endpoint.
type Guard struct {
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
}

// New builds a guard named after the network it protects. Only network_unavailable
// failures count towards tripping; a rejected transaction says nothing about the endpoint.
func New(name string, cfg config.BreakerConfig, callTimeout time.Duration, logger zerolog.Logger) *Guard {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !notaryerr.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("endpoint", name).Str("from", from.String()).Str("to", to.String()).Msg("rpc circuit breaker state changed")
		},
	}
	return &Guard{cb: gobreaker.NewCircuitBreaker(st), callTimeout: callTimeout}
}

// Do runs fn under the call timeout and the breaker. Context expiry inside fn is
// reported as network_unavailable so a hung connection is never read as "still pending".
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if g.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && notaryerr.KindOf(err) == "" && ctx.Err() == nil &&
			(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			err = notaryerr.Wrap(notaryerr.KindNetworkUnavailable, op+" timed out", err)
		}
		return nil, err
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return notaryerr.Wrap(notaryerr.KindNetworkUnavailable, g.cb.Name()+" circuit open", err)
	case err != nil && ctx.Err() != nil:
		// the caller gave up; surface that rather than a network verdict
		return ctx.Err()
	}
	return err
}

// State exposes the breaker state for health reporting.
func (g *Guard) State() string {
	return g.cb.State().String()
}
