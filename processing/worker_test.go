package worker

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blockchain "notary/blockchain/client"
	"notary/blockchain/client/memchain"
	"notary/config"
	"notary/internal/hashing"
	"notary/internal/messaging/consumer"
	"notary/internal/metrics"
	"notary/internal/models"
	"notary/internal/network"
	"notary/internal/notary"
	"notary/storage/store"
)

const localChainID = 1337

type engineFixture struct {
	orch  *notary.Orchestrator
	chain *memchain.Chain
	store *store.MemoryStore
}

func newEngineFixture(t *testing.T, opts ...memchain.Option) *engineFixture {
	t.Helper()
	contracts := config.ContractsConfig{
		Notary:           "0x3000000000000000000000000000000000000001",
		AuditCommitStore: "0x3000000000000000000000000000000000000002",
		ReleaseRegistry:  "0x3000000000000000000000000000000000000003",
	}
	registry, err := network.NewRegistry([]config.NetworkConfig{
		{Key: "local", ChainID: localChainID, ClientType: "memchain", RPCEndpoint: "mem://local", Status: "active",
			GasPriceWei: "1", ConfirmationThreshold: 1, Contracts: contracts},
		{Key: "testnet", ChainID: 43113, ClientType: "evm", RPCEndpoint: "http://127.0.0.1:1", Status: "active",
			GasPriceWei: "1", Contracts: contracts},
	})
	require.NoError(t, err)

	opts = append([]memchain.Option{memchain.WithGasPrice(big.NewInt(1))}, opts...)
	chain := memchain.New(localChainID, opts...)
	st := store.NewMemoryStore()
	orch := notary.New(notary.Config{
		RetryLimit:         2,
		RetryInterval:      time.Millisecond,
		MaxRetryInterval:   2 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		ConfirmationWindow: time.Minute,
	}, registry, st, map[network.Key]blockchain.ChainClient{network.Local: chain},
		nil, metrics.NewNoopCollector(), zerolog.Nop())
	return &engineFixture{orch: orch, chain: chain, store: st}
}

func (f *engineFixture) quote(t *testing.T, runID string) {
	t.Helper()
	_, err := f.orch.Quote(context.Background(), notary.QuoteRequest{
		RunID:     runID,
		Documents: []hashing.Document{{Title: "A", Content: "foo"}, {Title: "B", Content: "bar"}},
	})
	require.NoError(t, err)
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Concurrency:        2,
		ConsumerRetryDelay: "10ms",
		AwaitTimeout:       "2s",
		ResumeInterval:     "10ms",
		ResumeBatchSize:    10,
	}
}

func request(id, runID, net string) *models.NotarizeRequest {
	return &models.NotarizeRequest{RequestID: id, RunID: runID, Network: net, ReceivedTimestamp: time.Now().UTC()}
}

func TestHandleConfirms(t *testing.T) {
	f := newEngineFixture(t)
	f.quote(t, "run-1")
	w := New(workerConfig(), zerolog.Nop(), f.orch, consumer.NewMockConsumer(zerolog.Nop()))

	assert.True(t, w.Handle(context.Background(), request("req-1", "run-1", "local")))

	rec, err := f.store.Get(context.Background(), "run-1", localChainID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, rec.Status)
}

func TestHandleAckDecisions(t *testing.T) {
	f := newEngineFixture(t)
	f.quote(t, "run-2")
	w := New(workerConfig(), zerolog.Nop(), f.orch, consumer.NewMockConsumer(zerolog.Nop()))
	ctx := context.Background()

	// no quote: permanent, dropped
	assert.True(t, w.Handle(ctx, request("req-a", "missing", "local")))
	// unknown network: permanent, dropped
	assert.True(t, w.Handle(ctx, request("req-b", "run-2", "mainnet")))
	// no client for an active network: transient, redelivered
	assert.False(t, w.Handle(ctx, request("req-c", "run-2", "testnet")))

	// a revert ends in a terminal failure which is recorded, so the message is acked
	f.chain.RevertNext(1)
	assert.True(t, w.Handle(ctx, request("req-d", "run-2", "local")))
	rec, err := f.store.Get(ctx, "run-2", localChainID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestHandleLeavesPendingToPoller(t *testing.T) {
	f := newEngineFixture(t, memchain.WithAutoMine(false))
	f.quote(t, "run-3")
	cfg := workerConfig()
	cfg.AwaitTimeout = "20ms"
	w := New(cfg, zerolog.Nop(), f.orch, consumer.NewMockConsumer(zerolog.Nop()))
	ctx := context.Background()

	assert.True(t, w.Handle(ctx, request("req-3", "run-3", "local")))
	rec, err := f.store.Get(ctx, "run-3", localChainID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)

	f.chain.Mine(1)
	p := NewPoller(cfg, f.orch, zerolog.Nop())
	p.pass(ctx)

	rec, err = f.store.Get(ctx, "run-3", localChainID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, rec.Status)
}

func TestHandleNacksOnShutdown(t *testing.T) {
	f := newEngineFixture(t, memchain.WithAutoMine(false))
	f.quote(t, "run-4")
	w := New(workerConfig(), zerolog.Nop(), f.orch, consumer.NewMockConsumer(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	assert.False(t, w.Handle(ctx, request("req-4", "run-4", "local")))
}

func TestRunDrainsConsumer(t *testing.T) {
	f := newEngineFixture(t)
	f.quote(t, "run-5")
	f.quote(t, "run-6")
	mc := consumer.NewMockConsumer(zerolog.Nop(),
		request("req-5", "run-5", "local"),
		request("req-6", "run-6", "local"),
		request("req-7", "missing", "local"),
	)
	w := New(workerConfig(), zerolog.Nop(), f.orch, mc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(mc.Acked()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.ElementsMatch(t, []string{"req-5", "req-6", "req-7"}, mc.Acked())
	assert.Empty(t, mc.Nacked())
	assert.Equal(t, 2, f.chain.TxCount())
}

func TestNewFallsBackOnBadDurations(t *testing.T) {
	w := New(config.WorkerConfig{ConsumerRetryDelay: "soon", AwaitTimeout: ""}, zerolog.Nop(), nil, nil)
	assert.Equal(t, 5*time.Second, w.consumerRetryDelay)
	assert.Equal(t, 15*time.Minute, w.awaitTimeout)
	assert.Equal(t, 1, w.workerConfig.Concurrency)

	p := NewPoller(config.WorkerConfig{ResumeInterval: "-1s"}, nil, zerolog.Nop())
	assert.Equal(t, 30*time.Second, p.interval)
	assert.Equal(t, 100, p.batchSize)
}

type countingResumer struct{ calls atomic.Int32 }

func (c *countingResumer) Resume(ctx context.Context, limit int) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestPollerRunsUntilCancelled(t *testing.T) {
	r := &countingResumer{}
	p := NewPoller(workerConfig(), r, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
