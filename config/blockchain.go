package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// CurrencyConfig describes a network's native currency
type CurrencyConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
}

// ContractsConfig holds the deployed contract addresses for one network
type ContractsConfig struct {
	Notary           string `yaml:"notary" env:"NOTARY_CONTRACT"`
	AuditCommitStore string `yaml:"audit_commit_store" env:"AUDIT_CONTRACT"`
	ReleaseRegistry  string `yaml:"release_registry" env:"RELEASE_CONTRACT"`
}

// NetworkConfig is one entry of the network registry.
// RPC endpoints, explorer URLs, contract addresses and status can be overridden
// from the environment with the NOTARY_<KEY>_ prefix; signer keys come only from there.
type NetworkConfig struct {
	Key                      string          `yaml:"key"`
	ChainID                  uint64          `yaml:"chain_id"`
	DisplayName              string          `yaml:"display_name"`
	ClientType               string          `yaml:"client_type"` // "evm", "chainmaker" or "memchain"
	RPCEndpoint              string          `yaml:"rpc_url" env:"RPC_URL"`
	ExplorerURL              string          `yaml:"explorer_url" env:"EXPLORER_URL"`
	NativeCurrency           CurrencyConfig  `yaml:"native_currency"`
	IsPrivate                bool            `yaml:"is_private"`
	RequiresRestrictedAccess bool            `yaml:"requires_restricted_access"`
	Status                   string          `yaml:"status" env:"STATUS"` // active, deprecated, maintenance
	ConfirmationThreshold    uint64          `yaml:"confirmation_threshold"`
	GasPriceWei              string          `yaml:"gas_price_wei"`
	Contracts                ContractsConfig `yaml:"contracts"`
	ChainMakerConfigPath     string          `yaml:"chainmaker_config_path"`
	SignerKey                string          `yaml:"-" env:"SIGNER_KEY"`
}

// EnvPrefix is the environment variable prefix for this network's overrides.
func (n *NetworkConfig) EnvPrefix() string {
	return "NOTARY_" + strings.ToUpper(n.Key) + "_"
}

// SetDefaults fills optional per-network fields
func (n *NetworkConfig) SetDefaults() {
	if n.Status == "" {
		n.Status = "active"
	}
	if n.ConfirmationThreshold == 0 {
		n.ConfirmationThreshold = 1
		fmt.Printf("Warning: networks[%s].confirmation_threshold not set, defaulting to %d\n", n.Key, n.ConfirmationThreshold)
	}
	if n.NativeCurrency.Decimals == 0 && n.ClientType != "chainmaker" {
		n.NativeCurrency.Decimals = 18
	}
	if n.GasPriceWei == "" {
		n.GasPriceWei = "0"
		fmt.Printf("Warning: networks[%s].gas_price_wei not set, defaulting to %s\n", n.Key, n.GasPriceWei)
	}
}

// BreakerConfig configures the per-endpoint circuit breaker
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// BlockchainConfig stores the network registry and the behaviour shared by all chain clients
type BlockchainConfig struct {
	// --- Network Registry ---
	Networks []NetworkConfig `yaml:"networks"`

	// --- Submission Retry ---
	RetryLimit       int           `yaml:"retry_limit"` // total calls per chain operation, first try included
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`

	// --- RPC Timeouts (distinct from the confirmation window) ---
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`

	// --- Confirmation Tracking ---
	PollInterval       time.Duration `yaml:"poll_interval"`
	ConfirmationWindow time.Duration `yaml:"confirmation_window"`

	MaxAuditPayloadBytes int           `yaml:"max_audit_payload_bytes"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

// SetDefaults sets reasonable default values for the blockchain configuration
func (c *BlockchainConfig) SetDefaults() {
	if c.RetryLimit <= 0 {
		c.RetryLimit = 5
		fmt.Printf("Warning: retry_limit not set or invalid, defaulting to %d\n", c.RetryLimit)
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
		fmt.Printf("Warning: retry_interval not set, defaulting to %v\n", c.RetryInterval)
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 8 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
		fmt.Printf("Warning: connect_timeout not set, defaulting to %v\n", c.ConnectTimeout)
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
		fmt.Printf("Warning: read_timeout not set, defaulting to %v\n", c.ReadTimeout)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
		fmt.Printf("Warning: poll_interval not set, defaulting to %v\n", c.PollInterval)
	}
	if c.ConfirmationWindow <= 0 {
		c.ConfirmationWindow = 10 * time.Minute
		fmt.Printf("Warning: confirmation_window not set, defaulting to %v\n", c.ConfirmationWindow)
	}
	if c.MaxAuditPayloadBytes <= 0 {
		c.MaxAuditPayloadBytes = 64 * 1024
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = 1
	}
	for i := range c.Networks {
		c.Networks[i].SetDefaults()
	}
}

// Validate checks shape-level constraints. Registry semantics (contract
// addresses, duplicate chain ids, key names) are checked by network.NewRegistry.
func (c *BlockchainConfig) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	if c.ConnectTimeout >= c.ConfirmationWindow || c.ReadTimeout >= c.ConfirmationWindow {
		return fmt.Errorf("rpc timeouts must be shorter than confirmation_window (%v)", c.ConfirmationWindow)
	}
	if c.MaxRetryInterval < c.RetryInterval {
		return fmt.Errorf("max_retry_interval (%v) cannot be less than retry_interval (%v)", c.MaxRetryInterval, c.RetryInterval)
	}
	return nil
}

// ApplyEnv overlays NOTARY_<KEY>_* environment variables on every network
func (c *BlockchainConfig) ApplyEnv() error {
	for i := range c.Networks {
		n := &c.Networks[i]
		if err := ParseEnv(n, n.EnvPrefix()); err != nil {
			return fmt.Errorf("network %s: %w", n.Key, err)
		}
	}
	return nil
}

// LoadBlockchainConfig loads blockchain configuration from the specified YAML file path
func LoadBlockchainConfig(path string) (*BlockchainConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path of config file: %w", err)
	}

	fmt.Printf("Loading blockchain configuration from '%s'...\n", absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", absPath, err)
	}

	var cfg BlockchainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("blockchain configuration error: %w", err)
	}

	// Relative chain-specific paths are resolved against the config directory
	for i := range cfg.Networks {
		p := cfg.Networks[i].ChainMakerConfigPath
		if p != "" && !filepath.IsAbs(p) {
			cfg.Networks[i].ChainMakerConfigPath = filepath.Join(filepath.Dir(absPath), p)
		}
	}

	fmt.Println("Blockchain configuration loaded successfully.")
	return &cfg, nil
}
