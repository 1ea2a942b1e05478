package gas

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary/config"
	"notary/internal/network"
	"notary/internal/notaryerr"
)

func networks(t *testing.T) *network.Registry {
	t.Helper()
	contracts := config.ContractsConfig{
		Notary:           "0x1000000000000000000000000000000000000001",
		AuditCommitStore: "0x1000000000000000000000000000000000000002",
		ReleaseRegistry:  "0x1000000000000000000000000000000000000003",
	}
	r, err := network.NewRegistry([]config.NetworkConfig{
		{Key: "testnet", ChainID: 43113, ClientType: "evm", RPCEndpoint: "http://x", Status: "active",
			GasPriceWei: "25000000000", NativeCurrency: config.CurrencyConfig{Symbol: "AVAX", Decimals: 18}, Contracts: contracts},
		{Key: "subnet", ChainID: 99, ClientType: "chainmaker", Status: "active",
			GasPriceWei: "1", NativeCurrency: config.CurrencyConfig{Symbol: "GAS", Decimals: 0},
			Contracts: config.ContractsConfig{Notary: "notary", AuditCommitStore: "audit", ReleaseRegistry: "release"}},
		{Key: "local", ChainID: 1337, ClientType: "memchain", RPCEndpoint: "mem://local", Status: "active",
			GasPriceWei: "0", NativeCurrency: config.CurrencyConfig{Symbol: "ETH", Decimals: 18}, Contracts: contracts},
	})
	require.NoError(t, err)
	return r
}

func TestEstimateTestnet(t *testing.T) {
	net, err := networks(t).ByKey(network.Testnet)
	require.NoError(t, err)

	est, err := NewEstimator().Estimate(OpNotarize, net, 0)
	require.NoError(t, err)
	assert.Equal(t, NotarizeGas, est.GasLimit)
	assert.Equal(t, "1500000000000000", est.CostWei)
	assert.Equal(t, "0.0015", est.CostNative)
	assert.Equal(t, "AVAX", est.Currency)
	assert.Equal(t, 68, est.EstimatedPayloadSize)
}

func TestCostMonotonicity(t *testing.T) {
	reg := networks(t)
	e := NewEstimator()
	for _, net := range reg.All() {
		notarize, err := e.Estimate(OpNotarize, net, 0)
		require.NoError(t, err)
		commit, err := e.Estimate(OpCommitAudit, net, 0)
		require.NoError(t, err)

		n, _ := new(big.Int).SetString(notarize.CostWei, 10)
		c, _ := new(big.Int).SetString(commit.CostWei, 10)
		assert.GreaterOrEqual(t, c.Cmp(n), 0, "network %s", net.Key)
		assert.Greater(t, commit.EstimatedPayloadSize, notarize.EstimatedPayloadSize)
	}
}

func TestQuote(t *testing.T) {
	net, err := networks(t).ByKey(network.Subnet)
	require.NoError(t, err)

	q, err := NewEstimator().Quote(net, false)
	require.NoError(t, err)
	assert.Nil(t, q.Commit)
	assert.Equal(t, q.Notary, q.Total)

	q, err = NewEstimator().Quote(net, true)
	require.NoError(t, err)
	require.NotNil(t, q.Commit)
	assert.Equal(t, CommitAuditGas-NotarizeGas, q.Commit.GasLimit)
	assert.Equal(t, CommitAuditGas, q.Total.GasLimit)
	assert.Equal(t, "145000", q.Total.CostNative)
}

func TestEstimateErrors(t *testing.T) {
	_, err := NewEstimator().Estimate(OpNotarize, nil, 0)
	assert.ErrorIs(t, err, notaryerr.ErrUnknownNetwork)

	net, _ := networks(t).ByKey(network.Local)
	_, err = NewEstimator().Estimate(Operation("burn"), net, 0)
	assert.ErrorIs(t, err, notaryerr.ErrInput)

	_, err = ParseOperation("burn")
	assert.ErrorIs(t, err, notaryerr.ErrInput)
}

func TestReleasePayloadSize(t *testing.T) {
	assert.Equal(t, 132, ReleasePayloadSize(""))
	assert.Equal(t, 164, ReleasePayloadSize("v1.2.3"))
	assert.Equal(t, 164, ReleasePayloadSize(string(make([]byte, 32))))
	assert.Equal(t, 196, ReleasePayloadSize(string(make([]byte, 33))))
}

func TestFormatNative(t *testing.T) {
	tests := []struct {
		wei      string
		decimals int
		want     string
	}{
		{"0", 18, "0"},
		{"1000000000000000000", 18, "1"},
		{"1500000000000000", 18, "0.0015"},
		{"123", 0, "123"},
		{"1", 18, "0.000000000000000001"},
	}
	for _, tt := range tests {
		w, _ := new(big.Int).SetString(tt.wei, 10)
		assert.Equal(t, tt.want, FormatNative(w, tt.decimals))
	}
}

func TestDelta(t *testing.T) {
	assert.Equal(t, int64(-1000), Delta(60000, 59000))
	assert.Equal(t, int64(500), Delta(60000, 60500))
}
