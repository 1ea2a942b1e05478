package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the complete application configuration
type Config struct {
	Engine     *EngineConfig
	Gateway    *GatewayConfig
	Blockchain *BlockchainConfig
}

// LoadConfig loads all configuration files present in a directory
func LoadConfig(configDir string) (*Config, error) {
	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path of config directory: %w", err)
	}

	config := &Config{}

	enginePath := filepath.Join(absDir, "engine.defaults.yml")
	if _, err := os.Stat(enginePath); err == nil {
		engineCfg, err := LoadEngineConfig(enginePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load engine config: %w", err)
		}
		config.Engine = engineCfg
	}

	gatewayPath := filepath.Join(absDir, "gateway.defaults.yml")
	if _, err := os.Stat(gatewayPath); err == nil {
		gatewayCfg, err := LoadGatewayConfig(gatewayPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load gateway config: %w", err)
		}
		config.Gateway = gatewayCfg
	}

	blockchainPath := filepath.Join(absDir, "blockchain.yml")
	if _, err := os.Stat(blockchainPath); err == nil {
		blockchainCfg, err := LoadBlockchainConfig(blockchainPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load blockchain config: %w", err)
		}
		config.Blockchain = blockchainCfg
	}

	return config, nil
}
