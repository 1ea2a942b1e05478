package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary/blockchain/types"
	"notary/config"
	"notary/internal/gas"
	"notary/internal/notaryerr"
)

// Hardhat's first default account.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeBackend struct {
	mu          sync.Mutex
	nonce       uint64
	gasPrice    *big.Int
	estimateErr error
	sendErr     error
	sent        []*ethtypes.Transaction
	receipts    map[common.Hash]*ethtypes.Receipt
	head        uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{gasPrice: big.NewInt(25), receipts: map[common.Hash]*ethtypes.Receipt{}, head: 100}
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) EstimateGas(context.Context, geth.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if tx.Nonce() >= f.nonce {
		f.nonce = tx.Nonce() + 1
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, geth.NotFound
	}
	return r, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) Close() {}

func newTestClient(t *testing.T, b backend, key string) *Client {
	t.Helper()
	cfg := Config{
		NetworkKey: "testnet", ChainID: 43113, RPCEndpoint: "http://unused", SignerKey: key,
		CallTimeout: time.Second, Breaker: config.BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute},
	}
	c, err := newClient(cfg, b, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func notarizeCall() types.Call {
	return types.Call{
		Method:     types.MethodNotarize,
		Contract:   "0x2000000000000000000000000000000000000001",
		RunID:      "run-1",
		MerkleRoot: common.HexToHash("0xbeef"),
		GasLimit:   gas.NotarizeGas,
	}
}

func TestPrepareSignsForChain(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, testKey)

	tx, err := c.Prepare(context.Background(), notarizeCall())
	require.NoError(t, err)
	assert.Equal(t, gas.NotarizePayloadSize, tx.PayloadSize)
	assert.Equal(t, uint64(60_000), tx.GasLimit) // 50k estimate + 20%

	signed := tx.Payload.(*ethtypes.Transaction)
	assert.Equal(t, tx.Hash, signed.Hash().Hex())
	assert.Equal(t, uint64(43113), signed.ChainId().Uint64())

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(43113)), signed)
	require.NoError(t, err)
	key, _ := crypto.HexToECDSA(testKey)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)
}

func TestPrepareFallsBackToFixedGas(t *testing.T) {
	b := newFakeBackend()
	b.estimateErr = errors.New("dial tcp: connection refused")
	c := newTestClient(t, b, testKey)

	tx, err := c.Prepare(context.Background(), notarizeCall())
	require.NoError(t, err)
	assert.Equal(t, gas.NotarizeGas*3/2, tx.GasLimit)
}

func TestPrepareRevertingCallIsRejected(t *testing.T) {
	b := newFakeBackend()
	b.estimateErr = errors.New("execution reverted: already notarized")
	c := newTestClient(t, b, testKey)

	_, err := c.Prepare(context.Background(), notarizeCall())
	assert.ErrorIs(t, err, notaryerr.ErrSubmissionRejected)
}

func TestPrepareReadOnly(t *testing.T) {
	c := newTestClient(t, newFakeBackend(), "")
	_, err := c.Prepare(context.Background(), notarizeCall())
	assert.ErrorIs(t, err, notaryerr.ErrSubmissionRejected)
	assert.Equal(t, common.Address{}, c.From())
}

func TestNoncesAreSequential(t *testing.T) {
	b := newFakeBackend()
	b.nonce = 7
	c := newTestClient(t, b, testKey)

	first, err := c.Prepare(context.Background(), notarizeCall())
	require.NoError(t, err)
	second, err := c.Prepare(context.Background(), notarizeCall())
	require.NoError(t, err)

	assert.Equal(t, uint64(7), first.Payload.(*ethtypes.Transaction).Nonce())
	assert.Equal(t, uint64(8), second.Payload.(*ethtypes.Transaction).Nonce())
}

func TestBroadcastAndReceipt(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, testKey)
	ctx := context.Background()

	tx, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	require.NoError(t, c.Broadcast(ctx, tx))
	require.Len(t, b.sent, 1)

	rcpt, err := c.Receipt(ctx, tx.Hash)
	require.NoError(t, err)
	assert.False(t, rcpt.Included)

	b.receipts[common.HexToHash(tx.Hash)] = &ethtypes.Receipt{
		Status:            ethtypes.ReceiptStatusSuccessful,
		BlockNumber:       big.NewInt(98),
		GasUsed:           48_000,
		EffectiveGasPrice: big.NewInt(30),
	}
	rcpt, err = c.Receipt(ctx, tx.Hash)
	require.NoError(t, err)
	assert.True(t, rcpt.Included)
	assert.False(t, rcpt.Reverted)
	assert.Equal(t, uint64(98), rcpt.BlockNumber)
	assert.Equal(t, uint64(3), rcpt.Confirmations)
	assert.Equal(t, uint64(48_000), rcpt.GasUsed)
	assert.Equal(t, "30", rcpt.GasPriceWei.String())
}

func TestBroadcastAlreadyKnownSucceeds(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, testKey)
	tx, err := c.Prepare(context.Background(), notarizeCall())
	require.NoError(t, err)

	b.sendErr = errors.New("already known")
	assert.NoError(t, c.Broadcast(context.Background(), tx))
}

func TestRevertedReceipt(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, testKey)
	h := common.HexToHash("0x01")
	b.receipts[h] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(100)}

	rcpt, err := c.Receipt(context.Background(), h.Hex())
	require.NoError(t, err)
	assert.True(t, rcpt.Reverted)
	assert.Equal(t, uint64(1), rcpt.Confirmations)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want notaryerr.Kind
	}{
		{errors.New("nonce too low"), notaryerr.KindSubmissionRejected},
		{errors.New("insufficient funds for gas * price + value"), notaryerr.KindSubmissionRejected},
		{errors.New("replacement transaction underpriced"), notaryerr.KindSubmissionRejected},
		{errors.New("oversized data"), notaryerr.KindPayloadTooLarge},
		{errors.New("Post \"http://x\": dial tcp: connection refused"), notaryerr.KindNetworkUnavailable},
		{context.DeadlineExceeded, notaryerr.KindNetworkUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, notaryerr.KindOf(classify(tt.err)), tt.err.Error())
	}
	assert.NoError(t, classify(nil))
}

func TestBroadcastWrongPayload(t *testing.T) {
	c := newTestClient(t, newFakeBackend(), testKey)
	err := c.Broadcast(context.Background(), &types.SignedTx{Hash: "0x1", Payload: "nope"})
	assert.ErrorIs(t, err, notaryerr.ErrInput)
}

func nonceOf(tx *types.SignedTx) uint64 {
	return tx.Payload.(*ethtypes.Transaction).Nonce()
}

func TestUnsentNonceIsReusedAfterAbandon(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, testKey)
	ctx := context.Background()

	lost, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonceOf(lost))

	b.sendErr = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, c.Broadcast(ctx, lost), notaryerr.ErrNetworkUnavailable)
	}

	// still reserved: the same transaction may be retried
	held, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonceOf(held))

	c.Abandon(lost.Hash)
	c.Abandon(held.Hash)
	b.sendErr = nil

	next, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	assert.Equal(t, b.nonce, nonceOf(next), "next nonce follows the node once nothing is outstanding")
	require.NoError(t, c.Broadcast(ctx, next))

	after, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonceOf(after))
}

func TestRefusedBroadcastReleasesNonce(t *testing.T) {
	b := newFakeBackend()
	b.nonce = 3
	c := newTestClient(t, b, testKey)
	ctx := context.Background()

	tx, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	b.sendErr = errors.New("insufficient funds for gas * price + value")
	assert.ErrorIs(t, c.Broadcast(ctx, tx), notaryerr.ErrSubmissionRejected)

	again, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonceOf(again))
}

func TestBroadcastFromRaw(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, testKey)
	ctx := context.Background()

	tx, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	require.NotEmpty(t, tx.Raw)

	stored := &types.SignedTx{Hash: tx.Hash, Raw: tx.Raw}
	require.NoError(t, c.Broadcast(ctx, stored))
	require.Len(t, b.sent, 1)
	assert.Equal(t, tx.Hash, b.sent[0].Hash().Hex())

	other, err := c.Prepare(ctx, notarizeCall())
	require.NoError(t, err)
	mismatched := &types.SignedTx{Hash: tx.Hash, Raw: other.Raw}
	assert.ErrorIs(t, c.Broadcast(ctx, mismatched), notaryerr.ErrEncoding)
	assert.ErrorIs(t, c.Broadcast(ctx, &types.SignedTx{Hash: tx.Hash, Raw: []byte{0x01, 0x02}}), notaryerr.ErrEncoding)
}
