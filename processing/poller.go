package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"notary/config"
)

// Resumer drives non-terminal records forward
type Resumer interface {
	Resume(ctx context.Context, limit int) (int, error)
}

// Poller periodically resumes records left submitted or pending, including
// those orphaned by a crash or by a worker whose await timed out.
type Poller struct {
	interval  time.Duration
	batchSize int
	resumer   Resumer
	logger    zerolog.Logger
}

// NewPoller creates a Poller from the worker configuration
func NewPoller(cfg config.WorkerConfig, r Resumer, logger zerolog.Logger) *Poller {
	logger = logger.With().Str("component", "poller").Logger()
	interval, err := time.ParseDuration(cfg.ResumeInterval)
	if err != nil || interval <= 0 {
		logger.Warn().Str("value", cfg.ResumeInterval).Msg("invalid resume_interval, using default 30s")
		interval = 30 * time.Second
	}
	batch := cfg.ResumeBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Poller{interval: interval, batchSize: batch, resumer: r, logger: logger}
}

// Run makes one pass immediately, then one per interval until ctx is done
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pass(ctx context.Context) {
	n, err := p.resumer.Resume(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("resume pass failed")
		}
		return
	}
	if n > 0 {
		p.logger.Info().Int("records", n).Msg("resumed non-terminal records")
	}
}
