package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads environment overrides into target. Fields whose variables are
// unset keep the value already present (e.g. from YAML).
func ParseEnv(target any, prefix string) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
