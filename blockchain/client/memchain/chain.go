// Package memchain is an in-process development chain. It packs calls with the real
// contract ABI, mines blocks on demand and can inject faults, so the orchestrator can
// be exercised end to end without a node.
package memchain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"notary/blockchain/contracts"
	"notary/blockchain/types"
	"notary/internal/notaryerr"
)

const (
	txBaseGas         = 21_000
	zeroByteGas       = 4
	nonZeroByteGas    = 16
	storageWriteGas   = 22_100
	defaultMaxPayload = 128 * 1024
)

type entry struct {
	call     types.Call
	data     []byte
	block    uint64
	gasUsed  uint64
	included bool
	dropped  bool
	revert   bool
}

type prepared struct {
	call types.Call
	data []byte
}

// Chain holds the state of one development network
type Chain struct {
	mu         sync.Mutex
	chainID    uint64
	gasPrice   *big.Int
	autoMine   bool
	maxPayload int
	logger     zerolog.Logger

	head     uint64
	nonce    uint64
	pool     []string
	txs      map[string]*entry
	roots    map[common.Hash]common.Hash // run id key -> root
	released map[string]common.Hash      // version -> artifact hash
	abandoned []string

	failNext    int
	failErr     error
	revertNext  int
	dropNext    int
	unavailable bool
}

// Option configures a Chain
type Option func(*Chain)

// WithGasPrice sets the effective gas price reported in receipts
func WithGasPrice(wei *big.Int) Option {
	return func(c *Chain) {
		if wei != nil {
			c.gasPrice = new(big.Int).Set(wei)
		}
	}
}

// WithAutoMine controls whether every accepted broadcast mines a block
func WithAutoMine(on bool) Option { return func(c *Chain) { c.autoMine = on } }

// WithMaxPayload sets the calldata size above which broadcasts are refused
func WithMaxPayload(n int) Option { return func(c *Chain) { c.maxPayload = n } }

// WithLogger attaches a logger
func WithLogger(l zerolog.Logger) Option { return func(c *Chain) { c.logger = l } }

// New creates a chain at height zero with auto-mining enabled
func New(chainID uint64, opts ...Option) *Chain {
	c := &Chain{
		chainID:    chainID,
		gasPrice:   big.NewInt(1),
		autoMine:   true,
		maxPayload: defaultMaxPayload,
		logger:     zerolog.Nop(),
		txs:        make(map[string]*entry),
		roots:      make(map[common.Hash]common.Hash),
		released:   make(map[string]common.Hash),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With().Str("component", "memchain").Uint64("chain_id", chainID).Logger()
	return c
}

// FailNext makes the next n broadcasts return err. A nil err means network_unavailable.
func (c *Chain) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		err = notaryerr.New(notaryerr.KindNetworkUnavailable, "memchain: injected connection failure")
	}
	c.failNext, c.failErr = n, err
}

// RevertNext makes the next n accepted transactions revert when mined
func (c *Chain) RevertNext(n int) {
	c.mu.Lock()
	c.revertNext = n
	c.mu.Unlock()
}

// DropNext makes the next n accepted transactions stay in the pool forever
func (c *Chain) DropNext(n int) {
	c.mu.Lock()
	c.dropNext = n
	c.mu.Unlock()
}

// SetUnavailable makes every call fail as if the endpoint were unreachable
func (c *Chain) SetUnavailable(down bool) {
	c.mu.Lock()
	c.unavailable = down
	c.mu.Unlock()
}

// SetAutoMine toggles mining on broadcast
func (c *Chain) SetAutoMine(on bool) {
	c.mu.Lock()
	c.autoMine = on
	c.mu.Unlock()
}

// Mine produces n blocks; the first one includes everything in the pool
func (c *Chain) Mine(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.mineLocked()
	}
}

func (c *Chain) mineLocked() {
	c.head++
	var keep []string
	for _, h := range c.pool {
		e := c.txs[h]
		if e.dropped {
			keep = append(keep, h)
			continue
		}
		e.included = true
		e.block = c.head
		e.gasUsed = gasFor(e.call.Method, e.data)
		if !e.revert {
			c.applyLocked(e.call)
		}
	}
	c.pool = keep
}

func (c *Chain) applyLocked(call types.Call) {
	switch call.Method {
	case types.MethodRegisterRelease:
		if call.Release != nil {
			c.released[call.Release.Version] = call.Release.ArtifactHash
		}
	default:
		c.roots[contracts.RunIDKey(call.RunID)] = call.MerkleRoot
	}
}

// gasFor mirrors the intrinsic calldata cost plus one SSTORE per written slot
func gasFor(method types.Method, data []byte) uint64 {
	g := uint64(txBaseGas)
	for _, b := range data {
		if b == 0 {
			g += zeroByteGas
		} else {
			g += nonZeroByteGas
		}
	}
	return g + storageWriteGas*uint64(contracts.StorageWrites(method))
}

// Head returns the current block height
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// TxCount returns how many transactions were accepted
func (c *Chain) TxCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

// RootOf returns the root stored on chain for a run id
func (c *Chain) RootOf(runID string) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.roots[contracts.RunIDKey(runID)]
	return r, ok
}

// ReleaseOf returns the artifact hash registered for a version
func (c *Chain) ReleaseOf(version string) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.released[version]
	return h, ok
}

func (c *Chain) Prepare(ctx context.Context, call types.Call) (*types.SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(call.Contract) {
		return nil, notaryerr.Newf(notaryerr.KindInput, "contract %q is not a hex address", call.Contract)
	}
	data, err := contracts.Pack(call)
	if err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindInput, "failed to pack call", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return nil, notaryerr.New(notaryerr.KindNetworkUnavailable, "memchain: endpoint unavailable")
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], c.chainID)
	binary.BigEndian.PutUint64(buf[8:], c.nonce)
	c.nonce++
	raw, err := json.Marshal(call)
	if err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindEncoding, "failed to encode call", err)
	}
	return &types.SignedTx{
		Hash:        crypto.Keccak256Hash(buf[:], data).Hex(),
		PayloadSize: len(data),
		GasLimit:    call.GasLimit,
		Payload:     &prepared{call: call, data: data},
		Raw:         raw,
	}, nil
}

func decode(tx *types.SignedTx) (*prepared, error) {
	if p, ok := tx.Payload.(*prepared); ok {
		return p, nil
	}
	if tx.Payload != nil || len(tx.Raw) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindInput, "transaction %s was not prepared by memchain", tx.Hash)
	}
	var call types.Call
	if err := json.Unmarshal(tx.Raw, &call); err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindEncoding, "stored transaction does not decode", err)
	}
	data, err := contracts.Pack(call)
	if err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindEncoding, "stored transaction does not pack", err)
	}
	return &prepared{call: call, data: data}, nil
}

// Abandon records that txHash will not be broadcast again.
func (c *Chain) Abandon(txHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandoned = append(c.abandoned, txHash)
}

// Abandoned lists the hashes passed to Abandon, oldest first.
func (c *Chain) Abandoned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.abandoned...)
}

func (c *Chain) Broadcast(ctx context.Context, tx *types.SignedTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := decode(tx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.unavailable:
		return notaryerr.New(notaryerr.KindNetworkUnavailable, "memchain: endpoint unavailable")
	case c.failNext > 0:
		c.failNext--
		return c.failErr
	case len(p.data) > c.maxPayload:
		return notaryerr.Newf(notaryerr.KindPayloadTooLarge, "memchain: %d byte payload exceeds %d", len(p.data), c.maxPayload)
	}
	if _, known := c.txs[tx.Hash]; known {
		return nil
	}
	e := &entry{call: p.call, data: p.data}
	if c.dropNext > 0 {
		c.dropNext--
		e.dropped = true
	}
	if c.revertNext > 0 {
		c.revertNext--
		e.revert = true
	}
	c.txs[tx.Hash] = e
	c.pool = append(c.pool, tx.Hash)
	c.logger.Debug().Str("tx_hash", tx.Hash).Str("method", string(p.call.Method)).Msg("transaction accepted")
	if c.autoMine {
		c.mineLocked()
	}
	return nil
}

func (c *Chain) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return nil, notaryerr.New(notaryerr.KindNetworkUnavailable, "memchain: endpoint unavailable")
	}
	out := &types.Receipt{TxHash: txHash}
	e, ok := c.txs[txHash]
	if !ok || !e.included {
		return out, nil
	}
	out.Included = true
	out.BlockNumber = e.block
	out.GasUsed = e.gasUsed
	out.GasPriceWei = new(big.Int).Set(c.gasPrice)
	out.Confirmations = c.head - e.block + 1
	if e.revert {
		out.Reverted = true
		out.RevertReason = "execution reverted"
	}
	return out, nil
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return 0, notaryerr.New(notaryerr.KindNetworkUnavailable, "memchain: endpoint unavailable")
	}
	return c.head, nil
}

// Close is a no-op; the chain lives as long as its owner
func (c *Chain) Close() error { return nil }
