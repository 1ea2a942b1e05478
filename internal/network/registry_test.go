package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary/config"
	"notary/internal/notaryerr"
)

func testNetworks() []config.NetworkConfig {
	return []config.NetworkConfig{
		{
			Key: "subnet", ChainID: 43113001, ClientType: "evm", RPCEndpoint: "http://subnet:9650/rpc",
			ExplorerURL: "https://explorer.subnet.example/", Status: "active", IsPrivate: true,
			RequiresRestrictedAccess: true, ConfirmationThreshold: 1, GasPriceWei: "25",
			NativeCurrency: config.CurrencyConfig{Symbol: "NTRY", Decimals: 18},
			Contracts: config.ContractsConfig{
				Notary:           "0x1000000000000000000000000000000000000001",
				AuditCommitStore: "0x1000000000000000000000000000000000000002",
				ReleaseRegistry:  "0x1000000000000000000000000000000000000003",
			},
		},
		{
			Key: "testnet", ChainID: 43113, ClientType: "evm", RPCEndpoint: "https://api.avax-test.network/ext/bc/C/rpc",
			Status: "active", ConfirmationThreshold: 3, GasPriceWei: "25000000000",
			NativeCurrency: config.CurrencyConfig{Symbol: "AVAX", Decimals: 18},
			Contracts: config.ContractsConfig{
				Notary:           "0x2000000000000000000000000000000000000001",
				AuditCommitStore: "0x2000000000000000000000000000000000000002",
				ReleaseRegistry:  "0x2000000000000000000000000000000000000003",
			},
		},
		{
			Key: "local", ChainID: 1337, ClientType: "memchain", RPCEndpoint: "mem://local",
			Status: "active", GasPriceWei: "1",
			Contracts: config.ContractsConfig{
				Notary:           "0x3000000000000000000000000000000000000001",
				AuditCommitStore: "0x3000000000000000000000000000000000000002",
				ReleaseRegistry:  "0x3000000000000000000000000000000000000003",
			},
		},
	}
}

func TestRegistryLookups(t *testing.T) {
	r, err := NewRegistry(testNetworks())
	require.NoError(t, err)

	c, err := r.ByKey(Testnet)
	require.NoError(t, err)
	assert.Equal(t, uint64(43113), c.ChainID)
	assert.Equal(t, uint64(3), c.ConfirmationThreshold)
	assert.Equal(t, "25000000000", c.GasPriceWei().String())

	byID, err := r.ByChainID(43113001)
	require.NoError(t, err)
	assert.Equal(t, Subnet, byID.Key)
	assert.True(t, byID.IsPrivate)

	local, err := r.Resolve(" LOCAL ")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), local.ConfirmationThreshold)
	assert.Equal(t, "local", local.DisplayName)

	assert.Equal(t, []Key{Local, Subnet, Testnet}, r.Keys())
	assert.Len(t, r.All(), 3)
}

func TestRegistryNeverDefaults(t *testing.T) {
	r, err := NewRegistry(testNetworks())
	require.NoError(t, err)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, notaryerr.ErrUnknownNetwork)

	_, err = r.Resolve("mainnet")
	assert.ErrorIs(t, err, notaryerr.ErrUnknownNetwork)

	_, err = r.ByChainID(1)
	assert.ErrorIs(t, err, notaryerr.ErrUnknownNetwork)
}

func TestRegistryUnconfiguredKnownKey(t *testing.T) {
	r, err := NewRegistry(testNetworks()[2:])
	require.NoError(t, err)

	_, err = r.ByKey(Subnet)
	assert.ErrorIs(t, err, notaryerr.ErrUnknownNetwork)
}

func TestCheckSubmittable(t *testing.T) {
	nets := testNetworks()
	nets[0].Status = "deprecated"
	nets[1].Status = "maintenance"
	r, err := NewRegistry(nets)
	require.NoError(t, err)

	_, err = r.CheckSubmittable(Subnet)
	assert.ErrorIs(t, err, notaryerr.ErrNetworkDeprecated)

	_, err = r.CheckSubmittable(Testnet)
	assert.ErrorIs(t, err, notaryerr.ErrNetworkMaintenance)

	c, err := r.CheckSubmittable(Local)
	require.NoError(t, err)
	assert.Equal(t, Local, c.Key)

	// Historical reads still resolve a deprecated network.
	st, err := r.Status(Subnet)
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, st)
}

func TestNewRegistryRejectsMissingContract(t *testing.T) {
	nets := testNetworks()
	nets[1].Contracts.AuditCommitStore = ""
	_, err := NewRegistry(nets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "testnet: contracts.audit_commit_store is required")
}

func TestNewRegistryAllowsDeprecatedWithoutContracts(t *testing.T) {
	nets := testNetworks()
	nets[1].Status = "deprecated"
	nets[1].Contracts = config.ContractsConfig{}
	_, err := NewRegistry(nets)
	assert.NoError(t, err)
}

func TestNewRegistryCollectsAllErrors(t *testing.T) {
	nets := testNetworks()
	nets[0].Contracts.Notary = "not-an-address"
	nets[1].ChainID = nets[2].ChainID
	nets[2].GasPriceWei = "-1"
	nets = append(nets, config.NetworkConfig{Key: "mainnet", ChainID: 1})

	_, err := NewRegistry(nets)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "not a hex address")
	assert.Contains(t, msg, "already used by")
	assert.Contains(t, msg, "invalid gas_price_wei")
	assert.Contains(t, msg, "unknown network key")
}

func TestChainMakerContractsAreNames(t *testing.T) {
	nets := testNetworks()
	nets[0].ClientType = "chainmaker"
	nets[0].RPCEndpoint = ""
	nets[0].Contracts = config.ContractsConfig{Notary: "notary", AuditCommitStore: "audit_store", ReleaseRegistry: "release_registry"}
	_, err := NewRegistry(nets)
	assert.NoError(t, err)
}

func TestExplorerTxURL(t *testing.T) {
	r, err := NewRegistry(testNetworks())
	require.NoError(t, err)

	subnet, _ := r.ByKey(Subnet)
	assert.Equal(t, "https://explorer.subnet.example/tx/0xabc", subnet.ExplorerTxURL("0xabc"))

	local, _ := r.ByKey(Local)
	assert.Empty(t, local.ExplorerTxURL("0xabc"))
}
