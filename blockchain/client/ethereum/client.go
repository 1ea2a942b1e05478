package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"notary/blockchain/contracts"
	"notary/blockchain/rpcguard"
	"notary/blockchain/types"
	"notary/internal/notaryerr"
)

// backend is the subset of ethclient.Client the notary uses
type backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var _ backend = (*ethclient.Client)(nil)

// Client talks JSON-RPC to an EVM network
type Client struct {
	cfg     Config
	backend backend
	guard   *rpcguard.Guard
	logger  zerolog.Logger

	key    *ecdsa.PrivateKey
	from   common.Address
	signer ethtypes.Signer

	// reserved holds nonces handed out to transactions the node has not accepted
	// yet, mapped to their tx hash ("" until signed).
	nonceMu  sync.Mutex
	reserved map[uint64]string
}

// NewClient dials the endpoint. The HTTP transport gets its own connect and read
// timeouts, independent of how long a caller waits for confirmations.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCEndpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s rpc: %w", cfg.NetworkKey, err)
	}
	return newClient(cfg, ethclient.NewClient(rpcClient), logger)
}

func newClient(cfg Config, b backend, logger zerolog.Logger) (*Client, error) {
	l := logger.With().Str("component", "evm-client").Str("network", cfg.NetworkKey).Uint64("chain_id", cfg.ChainID).Logger()
	c := &Client{
		cfg:      cfg,
		backend:  b,
		guard:    rpcguard.New(cfg.NetworkKey, cfg.Breaker, cfg.CallTimeout, l),
		logger:   l,
		signer:   ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID)),
		reserved: make(map[uint64]string),
	}
	if cfg.SignerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("network %s: invalid signer key: %w", cfg.NetworkKey, err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
		l.Info().Str("from", c.from.Hex()).Msg("evm client ready")
	} else {
		l.Warn().Msg("no signer key configured; network is read-only")
	}
	return c, nil
}

// From returns the signing address, or the zero address for read-only clients.
func (c *Client) From() common.Address { return c.from }

func (c *Client) Prepare(ctx context.Context, call types.Call) (*types.SignedTx, error) {
	if c.key == nil {
		return nil, notaryerr.Newf(notaryerr.KindSubmissionRejected, "network %s has no signer key configured", c.cfg.NetworkKey)
	}
	if !common.IsHexAddress(call.Contract) {
		return nil, notaryerr.Newf(notaryerr.KindInput, "contract %q is not a hex address", call.Contract)
	}
	data, err := contracts.Pack(call)
	if err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindInput, "failed to pack call", err)
	}
	to := common.HexToAddress(call.Contract)

	var gasPrice *big.Int
	if err := c.guard.Do(ctx, "eth_gasPrice", func(ctx context.Context) error {
		p, err := c.backend.SuggestGasPrice(ctx)
		gasPrice = p
		return classify(err)
	}); err != nil {
		return nil, err
	}

	gasLimit := call.GasLimit * 3 / 2
	if err := c.guard.Do(ctx, "eth_estimateGas", func(ctx context.Context) error {
		est, err := c.backend.EstimateGas(ctx, geth.CallMsg{From: c.from, To: &to, GasPrice: gasPrice, Data: data})
		if err != nil {
			return classify(err)
		}
		// leave headroom; the fixed estimate is advisory and never a cap
		gasLimit = est + est/5
		return nil
	}); err != nil {
		if notaryerr.KindOf(err) != notaryerr.KindNetworkUnavailable {
			return nil, err
		}
		c.logger.Warn().Err(err).Uint64("fallback_gas", gasLimit).Msg("gas estimation unavailable, using fixed limit")
	}

	nonce, err := c.reserveNonce(ctx)
	if err != nil {
		return nil, err
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		c.releaseNonce(nonce, "")
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		c.releaseNonce(nonce, "")
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	c.nonceMu.Lock()
	c.reserved[nonce] = signed.Hash().Hex()
	c.nonceMu.Unlock()
	return &types.SignedTx{
		Hash:        signed.Hash().Hex(),
		PayloadSize: len(data),
		GasLimit:    gasLimit,
		Payload:     signed,
		Raw:         raw,
	}, nil
}

// reserveNonce hands out nonces so concurrent runs do not collide. The node's
// pending nonce is authoritative; only reservations the node has not accepted yet
// push the next nonce past it.
func (c *Client) reserveNonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	var pending uint64
	if err := c.guard.Do(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		n, err := c.backend.PendingNonceAt(ctx, c.from)
		pending = n
		return classify(err)
	}); err != nil {
		return 0, err
	}
	nonce := pending
	for n := range c.reserved {
		if n < pending {
			// the node has it now
			delete(c.reserved, n)
			continue
		}
		if n+1 > nonce {
			nonce = n + 1
		}
	}
	c.reserved[nonce] = ""
	return nonce, nil
}

// releaseNonce drops the reservation of nonce when it still belongs to txHash.
func (c *Client) releaseNonce(nonce uint64, txHash string) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if h, ok := c.reserved[nonce]; ok && h == txHash {
		delete(c.reserved, nonce)
	}
}

// Abandon releases the nonce of a transaction that was prepared but will not be
// sent again. The next reservation falls back to the node's pending nonce.
func (c *Client) Abandon(txHash string) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	for n, h := range c.reserved {
		if h == txHash {
			delete(c.reserved, n)
			c.logger.Info().Str("tx_hash", txHash).Uint64("nonce", n).Msg("nonce reservation released")
			return
		}
	}
}

// Broadcast sends tx. A transport failure keeps the nonce reserved so the same
// transaction can be retried; an accepted or refused one releases it.
func (c *Client) Broadcast(ctx context.Context, tx *types.SignedTx) error {
	signed, err := c.decode(tx)
	if err != nil {
		return err
	}
	err = c.guard.Do(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		err := c.backend.SendTransaction(ctx, signed)
		if err != nil && alreadyKnown(err) {
			return nil
		}
		return classify(err)
	})
	if err == nil || !notaryerr.Retryable(err) {
		c.releaseNonce(signed.Nonce(), signed.Hash().Hex())
	}
	return err
}

func (c *Client) decode(tx *types.SignedTx) (*ethtypes.Transaction, error) {
	if signed, ok := tx.Payload.(*ethtypes.Transaction); ok {
		return signed, nil
	}
	if tx.Payload == nil && len(tx.Raw) > 0 {
		signed := new(ethtypes.Transaction)
		if err := signed.UnmarshalBinary(tx.Raw); err != nil {
			return nil, notaryerr.Wrap(notaryerr.KindEncoding, "stored transaction does not decode", err)
		}
		if signed.Hash().Hex() != tx.Hash {
			return nil, notaryerr.Newf(notaryerr.KindEncoding, "stored transaction hashes to %s, expected %s", signed.Hash().Hex(), tx.Hash)
		}
		return signed, nil
	}
	return nil, notaryerr.Newf(notaryerr.KindInput, "transaction %s was not prepared by an evm client", tx.Hash)
}

func (c *Client) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	var rcpt *ethtypes.Receipt
	err := c.guard.Do(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, geth.NotFound) {
			return nil
		}
		rcpt = r
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	out := &types.Receipt{TxHash: txHash}
	if rcpt == nil || rcpt.BlockNumber == nil {
		return out, nil
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	out.Included = true
	out.BlockNumber = rcpt.BlockNumber.Uint64()
	out.GasUsed = rcpt.GasUsed
	out.Reverted = rcpt.Status == ethtypes.ReceiptStatusFailed
	if out.Reverted {
		out.RevertReason = "execution reverted"
	}
	if rcpt.EffectiveGasPrice != nil {
		out.GasPriceWei = new(big.Int).Set(rcpt.EffectiveGasPrice)
	}
	if head >= out.BlockNumber {
		out.Confirmations = head - out.BlockNumber + 1
	}
	return out, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.guard.Do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		v, err := c.backend.BlockNumber(ctx)
		n = v
		return classify(err)
	})
	return n, err
}

func (c *Client) Close() error {
	c.logger.Info().Msg("closing evm client")
	c.backend.Close()
	return nil
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

var (
	tooLargeMarkers = []string{"oversized data", "tx too large", "transaction too large", "exceeds block gas limit"}
	rejectMarkers   = []string{
		"nonce too low", "nonce too high", "insufficient funds", "underpriced",
		"intrinsic gas too low", "execution reverted", "invalid sender", "gas limit reached",
		"max fee per gas less than block base fee",
	}
)

// classify maps go-ethereum errors onto notary error kinds. Anything the node answered
// is a rejection; anything that never got an answer is network_unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if notaryerr.KindOf(err) != "" {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range tooLargeMarkers {
		if strings.Contains(msg, m) {
			return notaryerr.Wrap(notaryerr.KindPayloadTooLarge, "transaction too large", err)
		}
	}
	for _, m := range rejectMarkers {
		if strings.Contains(msg, m) {
			return notaryerr.Wrap(notaryerr.KindSubmissionRejected, "rejected by node", err)
		}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusRequestEntityTooLarge:
			return notaryerr.Wrap(notaryerr.KindPayloadTooLarge, "rpc endpoint refused request size", err)
		case httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500:
			return notaryerr.Wrap(notaryerr.KindNetworkUnavailable, "rpc endpoint unavailable", err)
		default:
			return notaryerr.Wrap(notaryerr.KindSubmissionRejected, "rpc endpoint refused request", err)
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return notaryerr.Wrap(notaryerr.KindSubmissionRejected, "rejected by node", err)
	}
	return notaryerr.Wrap(notaryerr.KindNetworkUnavailable, "rpc call failed", err)
}
