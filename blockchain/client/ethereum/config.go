package ethereum

import (
	"fmt"
	"time"

	"notary/config"
)

// Config holds what an EVM client needs for one network
type Config struct {
	NetworkKey  string
	ChainID     uint64
	RPCEndpoint string
	SignerKey   string // hex private key; empty means read-only

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	CallTimeout    time.Duration
	Breaker        config.BreakerConfig
}

// NewConfig combines a registry entry with the shared blockchain settings
func NewConfig(n config.NetworkConfig, bc *config.BlockchainConfig) Config {
	return Config{
		NetworkKey:     n.Key,
		ChainID:        n.ChainID,
		RPCEndpoint:    n.RPCEndpoint,
		SignerKey:      n.SignerKey,
		ConnectTimeout: bc.ConnectTimeout,
		ReadTimeout:    bc.ReadTimeout,
		CallTimeout:    bc.CallTimeout,
		Breaker:        bc.Breaker,
	}
}

// Validate checks that the endpoint and chain id are present
func (c Config) Validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("network %s: rpc endpoint is required", c.NetworkKey)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("network %s: chain id is required", c.NetworkKey)
	}
	return nil
}
