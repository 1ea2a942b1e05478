package chainmaker

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// NodeConfig stores detailed configuration for a single ChainMaker node
type NodeConfig struct {
	Address     string   `yaml:"address"`
	ConnCount   int      `yaml:"conn_count"`
	UseTLS      bool     `yaml:"use_tls"`
	TLSHostName string   `yaml:"tls_host_name"`
	CaPaths     []string `yaml:"ca_paths"`
}

// ChainMakerConfig stores ChainMaker-specific configuration
type ChainMakerConfig struct {
	// --- SDK Connection Required ---
	ChainID string `yaml:"chain_id"`
	OrgID   string `yaml:"org_id"`

	// TLS Connection Credentials
	UserKeyPath  string `yaml:"user_key_path"`
	UserCertPath string `yaml:"user_cert_path"`

	// Transaction Signing Credentials
	UserSignKeyPath  string `yaml:"user_sign_key_path"`
	UserSignCertPath string `yaml:"user_sign_cert_path"`

	Nodes []NodeConfig `yaml:"nodes"`

	// --- Contract Methods ---
	NotarizeMethodName        string `yaml:"notarize_method_name"`
	CommitAuditMethodName     string `yaml:"commit_audit_method_name"`
	RegisterReleaseMethodName string `yaml:"register_release_method_name"`

	// --- Contract Parameter Keys ---
	ParamKeyRunID           string `yaml:"param_key_run_id"`
	ParamKeyMerkleRoot      string `yaml:"param_key_merkle_root"`
	ParamKeyAuditCommitment string `yaml:"param_key_audit_commitment"`
	ParamKeyLeafCount       string `yaml:"param_key_leaf_count"`
	ParamKeyVersion         string `yaml:"param_key_version"`
	ParamKeySourceHash      string `yaml:"param_key_source_hash"`
	ParamKeyArtifactHash    string `yaml:"param_key_artifact_hash"`
}

// SetDefaults fills method names and parameter keys left empty
func (c *ChainMakerConfig) SetDefaults() {
	defaults := []struct {
		field *string
		value string
	}{
		{&c.NotarizeMethodName, "notarize"},
		{&c.CommitAuditMethodName, "commit_audit"},
		{&c.RegisterReleaseMethodName, "register_release"},
		{&c.ParamKeyRunID, "run_id"},
		{&c.ParamKeyMerkleRoot, "merkle_root"},
		{&c.ParamKeyAuditCommitment, "audit_commitment"},
		{&c.ParamKeyLeafCount, "leaf_count"},
		{&c.ParamKeyVersion, "version"},
		{&c.ParamKeySourceHash, "source_hash"},
		{&c.ParamKeyArtifactHash, "artifact_hash"},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = d.value
		}
	}
}

// Validate checks the SDK connection settings
func (c *ChainMakerConfig) Validate() error {
	if c.ChainID == "" || c.OrgID == "" {
		return fmt.Errorf("chain_id and org_id are required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("no node configurations provided in config")
	}
	for _, n := range c.Nodes {
		if n.UseTLS && len(n.CaPaths) == 0 {
			return fmt.Errorf("node %s has TLS enabled but no CaPaths provided", n.Address)
		}
	}
	return nil
}

// LoadChainMakerConfig loads ChainMaker configuration from the specified YAML file path
func LoadChainMakerConfig(path string) (*ChainMakerConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path of ChainMaker config file: %w", err)
	}

	fmt.Printf("Loading ChainMaker configuration from '%s'...\n", absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ChainMaker config file '%s': %w", absPath, err)
	}

	var cfg ChainMakerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ChainMaker YAML config file: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ChainMaker configuration error: %w", err)
	}

	fmt.Println("ChainMaker configuration loaded successfully.")
	return &cfg, nil
}
