package config

import (
	"fmt"
	"strings"
	"time"
)

// MemoryDSN selects the in-process status store instead of PostgreSQL.
const MemoryDSN = "memory://local"

// DatabaseConfig defines the status store configuration shared by the gateway and the engine
type DatabaseConfig struct {
	DSN            string `yaml:"dsn" json:"dsn"`                         // PostgreSQL connection string or memory://local
	MaxConnections int    `yaml:"max_connections" json:"max_connections"` // Maximum number of connections
	MinConnections int    `yaml:"min_connections" json:"min_connections"` // Minimum number of connections
	MaxIdleTime    string `yaml:"max_idle_time" json:"max_idle_time"`     // Maximum time a connection can be idle
	MaxLifetime    string `yaml:"max_lifetime" json:"max_lifetime"`       // Maximum lifetime of a connection
	Migrate        bool   `yaml:"migrate" json:"migrate"`                 // Apply the embedded schema on startup
	CacheSize      int    `yaml:"cache_size" json:"cache_size"`           // Terminal records kept in the LRU cache
}

// SetDefaults sets sensible default values for the database configuration
func (c *DatabaseConfig) SetDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 20
		fmt.Printf("Warning: database.max_connections not set or invalid, defaulting to %d\n", c.MaxConnections)
	}
	if c.MinConnections <= 0 {
		c.MinConnections = 2
		fmt.Printf("Warning: database.min_connections not set or invalid, defaulting to %d\n", c.MinConnections)
	}
	if c.MaxIdleTime == "" {
		c.MaxIdleTime = "1h"
		fmt.Printf("Warning: database.max_idle_time not set, defaulting to %s\n", c.MaxIdleTime)
	}
	if c.MaxLifetime == "" {
		c.MaxLifetime = "24h"
		fmt.Printf("Warning: database.max_lifetime not set, defaulting to %s\n", c.MaxLifetime)
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
}

// Validate validates the database configuration
func (c *DatabaseConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("database max_connections must be positive")
	}
	if c.MinConnections < 0 {
		return fmt.Errorf("database min_connections cannot be negative")
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("database min_connections (%d) cannot be greater than max_connections (%d)",
			c.MinConnections, c.MaxConnections)
	}
	if _, err := time.ParseDuration(c.MaxIdleTime); err != nil {
		return fmt.Errorf("database max_idle_time: %w", err)
	}
	if _, err := time.ParseDuration(c.MaxLifetime); err != nil {
		return fmt.Errorf("database max_lifetime: %w", err)
	}
	return nil
}

// IsMemory reports whether the in-process store was requested.
func (c *DatabaseConfig) IsMemory() bool {
	return strings.HasPrefix(c.DSN, "memory://")
}

// Durations returns the parsed idle time and lifetime. Validate must have succeeded.
func (c *DatabaseConfig) Durations() (idle, lifetime time.Duration) {
	idle, _ = time.ParseDuration(c.MaxIdleTime)
	lifetime, _ = time.ParseDuration(c.MaxLifetime)
	return idle, lifetime
}
