package chainmaker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chainmaker.org/chainmaker/pb-go/v2/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary/blockchain/types"
	"notary/config"
	"notary/internal/notaryerr"
)

type fakeSDK struct {
	invoked   []string
	kvs       [][]*common.KeyValuePair
	invokeErr error
	resp      *common.TxResponse
	txs       map[string]*common.TransactionInfo
	height    uint64
	stopped   bool
}

func (f *fakeSDK) InvokeContract(contract, method, txID string, kvs []*common.KeyValuePair, _ int64, withSync bool) (*common.TxResponse, error) {
	if withSync {
		return nil, errors.New("unexpected sync invoke")
	}
	f.invoked = append(f.invoked, contract+"."+method+"#"+txID)
	f.kvs = append(f.kvs, kvs)
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &common.TxResponse{Code: common.TxStatusCode_SUCCESS, TxId: txID}, nil
}

func (f *fakeSDK) GetTxByTxId(txID string) (*common.TransactionInfo, error) {
	if info, ok := f.txs[txID]; ok {
		return info, nil
	}
	return nil, errors.New("get tx failed: txid not exist")
}

func (f *fakeSDK) GetCurrentBlockHeight() (uint64, error) { return f.height, nil }

func (f *fakeSDK) Stop() error { f.stopped = true; return nil }

func newTestClient(f *fakeSDK) *Client {
	bc := &config.BlockchainConfig{CallTimeout: time.Second, Breaker: config.BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute}}
	return newClient("subnet", f, &ChainMakerConfig{}, bc, zerolog.Nop())
}

func TestPrepareNotarize(t *testing.T) {
	c := newTestClient(&fakeSDK{})
	root := ethcommon.HexToHash("0xabc")
	tx, err := c.Prepare(context.Background(), types.Call{Method: types.MethodNotarize, Contract: "notary", RunID: "run-1", MerkleRoot: root, GasLimit: 60000})
	require.NoError(t, err)

	assert.Len(t, tx.Hash, 64)
	inv := tx.Payload.(*invocation)
	assert.Equal(t, "notarize", inv.method)
	require.Len(t, inv.kvs, 2)
	assert.Equal(t, "run_id", inv.kvs[0].Key)
	assert.Equal(t, root.Hex(), string(inv.kvs[1].Value))
	assert.Greater(t, tx.PayloadSize, 0)
}

func TestPrepareGeneratesDistinctIDs(t *testing.T) {
	c := newTestClient(&fakeSDK{})
	call := types.Call{Method: types.MethodNotarize, Contract: "notary", RunID: "run-1"}
	a, err := c.Prepare(context.Background(), call)
	require.NoError(t, err)
	b, err := c.Prepare(context.Background(), call)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestPrepareCommitAuditAndRelease(t *testing.T) {
	c := newTestClient(&fakeSDK{})
	tx, err := c.Prepare(context.Background(), types.Call{Method: types.MethodCommitAudit, Contract: "audit", RunID: "r", LeafCount: 3})
	require.NoError(t, err)
	inv := tx.Payload.(*invocation)
	assert.Equal(t, "commit_audit", inv.method)
	assert.Equal(t, "3", string(inv.kvs[3].Value))

	_, err = c.Prepare(context.Background(), types.Call{Method: types.MethodRegisterRelease, Contract: "releases"})
	assert.ErrorIs(t, err, notaryerr.ErrInput)

	tx, err = c.Prepare(context.Background(), types.Call{
		Method: types.MethodRegisterRelease, Contract: "releases",
		Release: &types.ReleaseCall{Version: "v1.2.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", string(tx.Payload.(*invocation).kvs[0].Value))
}

func TestBroadcastAndReceipt(t *testing.T) {
	f := &fakeSDK{txs: map[string]*common.TransactionInfo{}, height: 10}
	c := newTestClient(f)
	ctx := context.Background()

	tx, err := c.Prepare(ctx, types.Call{Method: types.MethodNotarize, Contract: "notary", RunID: "run-1"})
	require.NoError(t, err)
	require.NoError(t, c.Broadcast(ctx, tx))
	assert.Equal(t, []string{"notary.notarize#" + tx.Hash}, f.invoked)

	rcpt, err := c.Receipt(ctx, tx.Hash)
	require.NoError(t, err)
	assert.False(t, rcpt.Included)

	f.txs[tx.Hash] = &common.TransactionInfo{
		BlockHeight: 9,
		Transaction: &common.Transaction{Result: &common.Result{
			Code:           common.TxStatusCode_SUCCESS,
			ContractResult: &common.ContractResult{GasUsed: 1200},
		}},
	}
	rcpt, err = c.Receipt(ctx, tx.Hash)
	require.NoError(t, err)
	assert.True(t, rcpt.Included)
	assert.False(t, rcpt.Reverted)
	assert.Equal(t, uint64(2), rcpt.Confirmations)
	assert.Equal(t, uint64(1200), rcpt.GasUsed)
}

func TestBroadcastFromStoredInvocation(t *testing.T) {
	f := &fakeSDK{}
	c := newTestClient(f)
	ctx := context.Background()

	tx, err := c.Prepare(ctx, types.Call{Method: types.MethodNotarize, Contract: "notary", RunID: "run-1", MerkleRoot: ethcommon.HexToHash("0xbeef")})
	require.NoError(t, err)
	require.NotEmpty(t, tx.Raw)

	require.NoError(t, c.Broadcast(ctx, &types.SignedTx{Hash: tx.Hash, Raw: tx.Raw}))
	assert.Equal(t, []string{"notary.notarize#" + tx.Hash}, f.invoked)
	require.Len(t, f.kvs, 1)
	assert.Equal(t, tx.Payload.(*invocation).kvs, f.kvs[0])

	err = c.Broadcast(ctx, &types.SignedTx{Hash: tx.Hash, Raw: []byte("not json")})
	assert.ErrorIs(t, err, notaryerr.ErrEncoding)
	c.Abandon(tx.Hash)
}

func TestFailedExecutionIsReverted(t *testing.T) {
	f := &fakeSDK{height: 5, txs: map[string]*common.TransactionInfo{
		"abc": {BlockHeight: 5, Transaction: &common.Transaction{Result: &common.Result{
			Code:           common.TxStatusCode_CONTRACT_FAIL,
			ContractResult: &common.ContractResult{Message: "root already notarized"},
		}}},
	}}
	rcpt, err := newTestClient(f).Receipt(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, rcpt.Reverted)
	assert.Equal(t, "root already notarized", rcpt.RevertReason)
}

func TestBroadcastErrors(t *testing.T) {
	ctx := context.Background()
	call := types.Call{Method: types.MethodNotarize, Contract: "notary", RunID: "run-1"}

	f := &fakeSDK{invokeErr: errors.New("connection refused")}
	c := newTestClient(f)
	tx, _ := c.Prepare(ctx, call)
	assert.ErrorIs(t, c.Broadcast(ctx, tx), notaryerr.ErrNetworkUnavailable)

	f = &fakeSDK{resp: &common.TxResponse{Code: common.TxStatusCode_NO_PERMISSION, Message: "no permission"}}
	c = newTestClient(f)
	tx, _ = c.Prepare(ctx, call)
	assert.ErrorIs(t, c.Broadcast(ctx, tx), notaryerr.ErrSubmissionRejected)

	f = &fakeSDK{invokeErr: errors.New("tx duplicate")}
	c = newTestClient(f)
	tx, _ = c.Prepare(ctx, call)
	assert.NoError(t, c.Broadcast(ctx, tx))
}

func TestClose(t *testing.T) {
	f := &fakeSDK{}
	require.NoError(t, newTestClient(f).Close())
	assert.True(t, f.stopped)
}

func TestLoadChainMakerConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cm.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain_id: chain1
org_id: org1
nodes:
  - address: "127.0.0.1:12301"
    conn_count: 1
`), 0o600))

	cfg, err := LoadChainMakerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "notarize", cfg.NotarizeMethodName)
	assert.Equal(t, "merkle_root", cfg.ParamKeyMerkleRoot)

	require.NoError(t, os.WriteFile(path, []byte("chain_id: chain1\norg_id: org1\n"), 0o600))
	_, err = LoadChainMakerConfig(path)
	assert.Error(t, err)
}
