// Package network holds the process-wide, read-only registry of notarization networks.
//
// The registry is built once at startup from configuration and passed explicitly to
// the components that need it. Lookups never fall back to a default network.
package network

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"notary/config"
	"notary/internal/notaryerr"
)

// Key identifies a configured network.
type Key string

const (
	Subnet  Key = "subnet"  // private permissioned production subnet
	Testnet Key = "testnet" // public testnet
	Local   Key = "local"   // local development chain
)

var knownKeys = map[Key]struct{}{Subnet: {}, Testnet: {}, Local: {}}

// ParseKey resolves a symbolic key. Unknown or empty keys are an error.
func ParseKey(s string) (Key, error) {
	k := Key(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownKeys[k]; !ok {
		return "", notaryerr.Newf(notaryerr.KindUnknownNetwork, "unknown network key %q", s)
	}
	return k, nil
}

// Status is the operational state of a network.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeprecated  Status = "deprecated"
	StatusMaintenance Status = "maintenance"
)

// ClientType selects the chain client implementation.
type ClientType string

const (
	ClientEVM        ClientType = "evm"
	ClientChainMaker ClientType = "chainmaker"
	ClientMemchain   ClientType = "memchain"
)

// Currency is a network's native currency.
type Currency struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Contracts are the deployed contract addresses (or names, on ChainMaker).
type Contracts struct {
	Notary           string `json:"notary"`
	AuditCommitStore string `json:"audit_commit_store"`
	ReleaseRegistry  string `json:"release_registry"`
}

// Config is the immutable description of one network.
type Config struct {
	Key                      Key        `json:"key"`
	ChainID                  uint64     `json:"chain_id"`
	DisplayName              string     `json:"display_name"`
	RPCEndpoint              string     `json:"-"`
	ExplorerURL              string     `json:"explorer_url"`
	NativeCurrency           Currency   `json:"native_currency"`
	IsPrivate                bool       `json:"is_private"`
	RequiresRestrictedAccess bool       `json:"requires_restricted_access"`
	Status                   Status     `json:"status"`
	ClientType               ClientType `json:"client_type"`
	ConfirmationThreshold    uint64     `json:"confirmation_threshold"`
	Contracts                Contracts  `json:"contracts"`

	gasPriceWei *big.Int
}

// GasPriceWei returns a copy of the representative gas price in the smallest currency unit.
func (c *Config) GasPriceWei() *big.Int {
	return new(big.Int).Set(c.gasPriceWei)
}

// ExplorerTxURL links a transaction on the network's block explorer.
func (c *Config) ExplorerTxURL(txHash string) string {
	if c.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + txHash
}

// Registry maps keys and chain ids to network configs. It is read-only after NewRegistry.
type Registry struct {
	byKey     map[Key]*Config
	byChainID map[uint64]*Config
	raw       map[Key]config.NetworkConfig
}

// NewRegistry validates cfgs and freezes them. Every problem is reported, and
// boot must be refused if an error is returned.
func NewRegistry(cfgs []config.NetworkConfig) (*Registry, error) {
	r := &Registry{
		byKey:     make(map[Key]*Config, len(cfgs)),
		byChainID: make(map[uint64]*Config, len(cfgs)),
		raw:       make(map[Key]config.NetworkConfig, len(cfgs)),
	}
	var errs *multierror.Error

	for _, nc := range cfgs {
		key, err := ParseKey(nc.Key)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, dup := r.byKey[key]; dup {
			errs = multierror.Append(errs, fmt.Errorf("network %s: duplicate key", key))
			continue
		}
		if nc.ChainID == 0 {
			errs = multierror.Append(errs, fmt.Errorf("network %s: chain_id is required", key))
		}
		if other, dup := r.byChainID[nc.ChainID]; dup && nc.ChainID != 0 {
			errs = multierror.Append(errs, fmt.Errorf("network %s: chain_id %d already used by %s", key, nc.ChainID, other.Key))
		}

		status := Status(strings.ToLower(nc.Status))
		switch status {
		case StatusActive, StatusDeprecated, StatusMaintenance:
		default:
			errs = multierror.Append(errs, fmt.Errorf("network %s: invalid status %q", key, nc.Status))
		}

		ct := ClientType(strings.ToLower(nc.ClientType))
		switch ct {
		case ClientEVM, ClientChainMaker, ClientMemchain:
		default:
			errs = multierror.Append(errs, fmt.Errorf("network %s: invalid client_type %q", key, nc.ClientType))
		}

		gasPrice, ok := new(big.Int).SetString(nc.GasPriceWei, 10)
		if !ok || gasPrice.Sign() < 0 {
			errs = multierror.Append(errs, fmt.Errorf("network %s: invalid gas_price_wei %q", key, nc.GasPriceWei))
			gasPrice = new(big.Int)
		}

		contracts := Contracts{
			Notary:           strings.TrimSpace(nc.Contracts.Notary),
			AuditCommitStore: strings.TrimSpace(nc.Contracts.AuditCommitStore),
			ReleaseRegistry:  strings.TrimSpace(nc.Contracts.ReleaseRegistry),
		}
		if status != StatusDeprecated {
			for name, addr := range map[string]string{
				"notary":             contracts.Notary,
				"audit_commit_store": contracts.AuditCommitStore,
				"release_registry":   contracts.ReleaseRegistry,
			} {
				if addr == "" {
					errs = multierror.Append(errs, fmt.Errorf("network %s: contracts.%s is required for a %s network", key, name, status))
					continue
				}
				if ct != ClientChainMaker && !common.IsHexAddress(addr) {
					errs = multierror.Append(errs, fmt.Errorf("network %s: contracts.%s %q is not a hex address", key, name, addr))
				}
			}
		}
		if nc.RPCEndpoint == "" && status != StatusDeprecated && ct != ClientChainMaker {
			errs = multierror.Append(errs, fmt.Errorf("network %s: rpc_url is required", key))
		}

		c := &Config{
			Key:                      key,
			ChainID:                  nc.ChainID,
			DisplayName:              nc.DisplayName,
			RPCEndpoint:              nc.RPCEndpoint,
			ExplorerURL:              nc.ExplorerURL,
			NativeCurrency:           Currency{Symbol: nc.NativeCurrency.Symbol, Decimals: nc.NativeCurrency.Decimals},
			IsPrivate:                nc.IsPrivate,
			RequiresRestrictedAccess: nc.RequiresRestrictedAccess,
			Status:                   status,
			ClientType:               ct,
			ConfirmationThreshold:    nc.ConfirmationThreshold,
			Contracts:                contracts,
			gasPriceWei:              gasPrice,
		}
		if c.DisplayName == "" {
			c.DisplayName = string(key)
		}
		if c.ConfirmationThreshold == 0 {
			c.ConfirmationThreshold = 1
		}
		r.byKey[key] = c
		r.byChainID[nc.ChainID] = c
		r.raw[key] = nc
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid network registry: %w", err)
	}
	return r, nil
}

// ByKey returns the network for key or an unknown_network error.
func (r *Registry) ByKey(key Key) (*Config, error) {
	c, ok := r.byKey[key]
	if !ok {
		return nil, notaryerr.Newf(notaryerr.KindUnknownNetwork, "network %q is not configured", key)
	}
	return c, nil
}

// Resolve parses and looks up a key in one step.
func (r *Registry) Resolve(s string) (*Config, error) {
	key, err := ParseKey(s)
	if err != nil {
		return nil, err
	}
	return r.ByKey(key)
}

// ByChainID returns the network with chainID or an unknown_network error.
func (r *Registry) ByChainID(chainID uint64) (*Config, error) {
	c, ok := r.byChainID[chainID]
	if !ok {
		return nil, notaryerr.Newf(notaryerr.KindUnknownNetwork, "no network with chain id %d", chainID)
	}
	return c, nil
}

// Status returns the operational status of key.
func (r *Registry) Status(key Key) (Status, error) {
	c, err := r.ByKey(key)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// CheckSubmittable rejects new submissions to deprecated or maintenance networks.
// Reads of historical records must not call this.
func (r *Registry) CheckSubmittable(key Key) (*Config, error) {
	c, err := r.ByKey(key)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusDeprecated:
		return nil, notaryerr.Newf(notaryerr.KindNetworkDeprecated, "network %s is deprecated and accepts no new submissions", key)
	case StatusMaintenance:
		return nil, notaryerr.Newf(notaryerr.KindNetworkMaintenance, "network %s is under maintenance", key)
	}
	return c, nil
}

// Keys returns the configured keys in a stable order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// All returns the configured networks ordered by key.
func (r *Registry) All() []*Config {
	out := make([]*Config, 0, len(r.byKey))
	for _, k := range r.Keys() {
		out = append(out, r.byKey[k])
	}
	return out
}

// Source returns the configuration entry a network was built from. Chain client
// factories use it for client-specific settings such as signer keys.
func (r *Registry) Source(key Key) (config.NetworkConfig, bool) {
	nc, ok := r.raw[key]
	return nc, ok
}
