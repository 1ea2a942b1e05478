package blockchain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"notary/blockchain/client/chainmaker"
	"notary/blockchain/client/ethereum"
	"notary/blockchain/client/memchain"
	"notary/config"
	"notary/internal/network"
)

var (
	_ ChainClient = (*ethereum.Client)(nil)
	_ ChainClient = (*chainmaker.Client)(nil)
	_ ChainClient = (*memchain.Chain)(nil)
)

// Factory builds one client per registry network and owns the development chains
// it creates, so every caller in the process talks to the same in-memory state.
type Factory struct {
	registry *network.Registry
	cfg      *config.BlockchainConfig
	logger   zerolog.Logger

	mu     sync.Mutex
	chains map[network.Key]*memchain.Chain
}

// NewFactory returns a factory over a validated registry
func NewFactory(registry *network.Registry, cfg *config.BlockchainConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		chains:   make(map[network.Key]*memchain.Chain),
	}
}

// NewBlockchainClient creates the client for one network based on its client type
func (f *Factory) NewBlockchainClient(ctx context.Context, key network.Key) (ChainClient, error) {
	net, err := f.registry.ByKey(key)
	if err != nil {
		return nil, err
	}
	src, _ := f.registry.Source(key)

	if net.ClientType == network.ClientMemchain || strings.HasPrefix(net.RPCEndpoint, "mem://") {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.chains[key]; ok {
			return c, nil
		}
		c := memchain.New(net.ChainID, memchain.WithGasPrice(net.GasPriceWei()), memchain.WithLogger(f.logger))
		f.chains[key] = c
		f.logger.Info().Str("network", string(key)).Msg("using in-memory development chain")
		return c, nil
	}

	switch net.ClientType {
	case network.ClientEVM:
		return ethereum.NewClient(ctx, ethereum.NewConfig(src, f.cfg), f.logger)
	case network.ClientChainMaker:
		return chainmaker.NewChainMakerClient(src, f.cfg, f.logger)
	default:
		return nil, fmt.Errorf("unsupported client type %q for network %s", net.ClientType, key)
	}
}

// NewClients builds a client for every network that accepts submissions or may
// still have records to poll. A network whose client cannot be built is skipped
// with an error log; deprecated networks are skipped silently.
func (f *Factory) NewClients(ctx context.Context) map[network.Key]ChainClient {
	clients := make(map[network.Key]ChainClient)
	for _, key := range f.registry.Keys() {
		net, _ := f.registry.ByKey(key)
		if net.Status == network.StatusDeprecated && net.RPCEndpoint == "" {
			continue
		}
		c, err := f.NewBlockchainClient(ctx, key)
		if err != nil {
			f.logger.Error().Err(err).Str("network", string(key)).Msg("failed to create blockchain client")
			continue
		}
		clients[key] = c
	}
	return clients
}

// Memchain returns the development chain backing key, if one was created
func (f *Factory) Memchain(key network.Key) (*memchain.Chain, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chains[key]
	return c, ok
}
