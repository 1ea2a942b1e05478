package store

import (
	"context"

	"github.com/rs/zerolog"

	"notary/config"
)

// Open builds the store selected by cfg.DSN, wrapped in the terminal-record cache.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	var inner Store
	if cfg.IsMemory() {
		logger.Warn().Msg("using in-memory status store; records will not survive a restart")
		inner = NewMemoryStore()
	} else {
		pg, err := NewPostgresStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		inner = pg
	}
	cached, err := NewCachedStore(inner, cfg.CacheSize)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return cached, nil
}
