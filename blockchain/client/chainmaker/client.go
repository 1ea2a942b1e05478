package chainmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chainmaker.org/chainmaker/pb-go/v2/common"
	sdk "chainmaker.org/chainmaker/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notary/blockchain/rpcguard"
	"notary/blockchain/types"
	"notary/config"
	"notary/internal/notaryerr"
)

// sdkClient is the part of the ChainMaker SDK the notary calls
type sdkClient interface {
	InvokeContract(contractName, method, txId string, kvs []*common.KeyValuePair, timeout int64, withSyncResult bool) (*common.TxResponse, error)
	GetTxByTxId(txId string) (*common.TransactionInfo, error)
	GetCurrentBlockHeight() (uint64, error)
	Stop() error
}

var _ sdkClient = (*sdk.ChainClient)(nil)

// invocation is the prepared payload carried in types.SignedTx
type invocation struct {
	contract string
	method   string
	kvs      []*common.KeyValuePair
}

// storedInvocation is the persisted form of an invocation
type storedInvocation struct {
	Contract string            `json:"contract"`
	Method   string            `json:"method"`
	Params   []storedParameter `json:"params"`
}

type storedParameter struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (inv *invocation) marshal() ([]byte, error) {
	out := storedInvocation{Contract: inv.contract, Method: inv.method, Params: make([]storedParameter, len(inv.kvs))}
	for i, p := range inv.kvs {
		out.Params[i] = storedParameter{Key: p.Key, Value: p.Value}
	}
	return json.Marshal(out)
}

func decode(tx *types.SignedTx) (*invocation, error) {
	if inv, ok := tx.Payload.(*invocation); ok {
		return inv, nil
	}
	if tx.Payload != nil || len(tx.Raw) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindInput, "transaction %s was not prepared by a chainmaker client", tx.Hash)
	}
	var stored storedInvocation
	if err := json.Unmarshal(tx.Raw, &stored); err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindEncoding, "stored invocation does not decode", err)
	}
	inv := &invocation{contract: stored.Contract, method: stored.Method}
	for _, p := range stored.Params {
		inv.kvs = append(inv.kvs, &common.KeyValuePair{Key: p.Key, Value: p.Value})
	}
	return inv, nil
}

// Client is the wrapper around the ChainMaker SDK client
type Client struct {
	networkKey string
	sdkClient  sdkClient
	cmCfg      *ChainMakerConfig
	guard      *rpcguard.Guard
	logger     zerolog.Logger
}

// NewChainMakerClient initializes the ChainMaker SDK client for one registry network
func NewChainMakerClient(net config.NetworkConfig, bc *config.BlockchainConfig, logger zerolog.Logger) (*Client, error) {
	l := logger.With().Str("component", "chainmaker-client").Str("network", net.Key).Logger()
	if net.ChainMakerConfigPath == "" {
		return nil, fmt.Errorf("network %s: chainmaker_config_path is required", net.Key)
	}
	cmCfg, err := LoadChainMakerConfig(net.ChainMakerConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load ChainMaker config for network %s: %w", net.Key, err)
	}

	l.Info().Msg("initializing ChainMaker SDK client using builder pattern")

	var clientOptions []sdk.ChainClientOption
	clientOptions = append(clientOptions, sdk.WithChainClientOrgId(cmCfg.OrgID))
	clientOptions = append(clientOptions, sdk.WithChainClientChainId(cmCfg.ChainID))
	clientOptions = append(clientOptions, sdk.WithUserKeyFilePath(cmCfg.UserKeyPath))
	clientOptions = append(clientOptions, sdk.WithUserCrtFilePath(cmCfg.UserCertPath))
	clientOptions = append(clientOptions, sdk.WithUserSignKeyFilePath(cmCfg.UserSignKeyPath))
	clientOptions = append(clientOptions, sdk.WithUserSignCrtFilePath(cmCfg.UserSignCertPath))

	for _, nodeCfg := range cmCfg.Nodes {
		sdkNodeConfig := sdk.NewNodeConfig(
			sdk.WithNodeAddr(nodeCfg.Address),
			sdk.WithNodeConnCnt(nodeCfg.ConnCount),
			sdk.WithNodeUseTLS(nodeCfg.UseTLS),
			sdk.WithNodeCAPaths(nodeCfg.CaPaths),
			sdk.WithNodeTLSHostName(nodeCfg.TLSHostName),
		)
		clientOptions = append(clientOptions, sdk.AddChainClientNodeConfig(sdkNodeConfig))
	}

	// the SDK retries connection setup; broadcast retries happen in the orchestrator
	if bc.RetryLimit > 0 {
		clientOptions = append(clientOptions, sdk.WithRetryLimit(bc.RetryLimit))
	}
	if bc.RetryInterval > 0 {
		clientOptions = append(clientOptions, sdk.WithRetryInterval(int(bc.RetryInterval/time.Millisecond)))
	}

	client, err := sdk.NewChainClient(clientOptions...)
	if err != nil {
		l.Error().Err(err).Msg("failed to build ChainMaker SDK client")
		return nil, err
	}

	if err := client.EnableCertHash(); err != nil {
		l.Warn().Err(err).Msg("failed to enable cert hash")
	}

	l.Info().Msg("ChainMaker SDK client initialized successfully")
	return newClient(net.Key, client, cmCfg, bc, l), nil
}

func newClient(networkKey string, s sdkClient, cmCfg *ChainMakerConfig, bc *config.BlockchainConfig, logger zerolog.Logger) *Client {
	cmCfg.SetDefaults()
	return &Client{
		networkKey: networkKey,
		sdkClient:  s,
		cmCfg:      cmCfg,
		guard:      rpcguard.New(networkKey, bc.Breaker, bc.CallTimeout, logger),
		logger:     logger,
	}
}

// Prepare assigns the transaction id up front so it can be stored before broadcast.
// Contract "addresses" are contract names on ChainMaker.
func (c *Client) Prepare(_ context.Context, call types.Call) (*types.SignedTx, error) {
	if call.Contract == "" {
		return nil, notaryerr.New(notaryerr.KindInput, "contract name is required")
	}
	inv := &invocation{contract: call.Contract}
	kv := func(k, v string) *common.KeyValuePair { return &common.KeyValuePair{Key: k, Value: []byte(v)} }

	switch call.Method {
	case types.MethodNotarize:
		inv.method = c.cmCfg.NotarizeMethodName
		inv.kvs = []*common.KeyValuePair{
			kv(c.cmCfg.ParamKeyRunID, call.RunID),
			kv(c.cmCfg.ParamKeyMerkleRoot, call.MerkleRoot.Hex()),
		}
	case types.MethodCommitAudit:
		inv.method = c.cmCfg.CommitAuditMethodName
		inv.kvs = []*common.KeyValuePair{
			kv(c.cmCfg.ParamKeyRunID, call.RunID),
			kv(c.cmCfg.ParamKeyMerkleRoot, call.MerkleRoot.Hex()),
			kv(c.cmCfg.ParamKeyAuditCommitment, call.AuditCommitment.Hex()),
			kv(c.cmCfg.ParamKeyLeafCount, strconv.FormatUint(uint64(call.LeafCount), 10)),
		}
	case types.MethodRegisterRelease:
		if call.Release == nil {
			return nil, notaryerr.New(notaryerr.KindInput, "register_release requires release arguments")
		}
		inv.method = c.cmCfg.RegisterReleaseMethodName
		inv.kvs = []*common.KeyValuePair{
			kv(c.cmCfg.ParamKeyVersion, call.Release.Version),
			kv(c.cmCfg.ParamKeySourceHash, call.Release.SourceHash.Hex()),
			kv(c.cmCfg.ParamKeyArtifactHash, call.Release.ArtifactHash.Hex()),
		}
	default:
		return nil, notaryerr.Newf(notaryerr.KindInput, "unsupported method %q", call.Method)
	}

	size := len(inv.contract) + len(inv.method)
	for _, p := range inv.kvs {
		size += len(p.Key) + len(p.Value)
	}
	raw, err := inv.marshal()
	if err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindEncoding, "failed to encode invocation", err)
	}
	return &types.SignedTx{
		Hash:        newTxID(),
		PayloadSize: size,
		GasLimit:    call.GasLimit,
		Payload:     inv,
		Raw:         raw,
	}, nil
}

// newTxID builds a 64 hex character id the way the SDK's own generator does
func newTxID() string {
	a, b := uuid.New(), uuid.New()
	return strings.ReplaceAll(a.String(), "-", "") + strings.ReplaceAll(b.String(), "-", "")
}

// Broadcast submits without waiting for the block; Receipt polls for inclusion
func (c *Client) Broadcast(ctx context.Context, tx *types.SignedTx) error {
	inv, err := decode(tx)
	if err != nil {
		return err
	}
	return c.guard.Do(ctx, "invoke_contract", func(ctx context.Context) error {
		resp, err := c.sdkClient.InvokeContract(inv.contract, inv.method, tx.Hash, inv.kvs, -1, false)
		if err != nil {
			if isDuplicate(err.Error()) {
				return nil
			}
			return classify(err)
		}
		switch {
		case resp.Code == common.TxStatusCode_SUCCESS:
			return nil
		case isDuplicate(resp.Message):
			return nil
		case resp.Code == common.TxStatusCode_TIMEOUT:
			return notaryerr.Newf(notaryerr.KindNetworkUnavailable, "invoke timed out: %s", resp.Message)
		default:
			return notaryerr.Newf(notaryerr.KindSubmissionRejected, "contract invoke refused: %s (code: %d)", resp.Message, resp.Code)
		}
	})
}

// Abandon is a no-op: ChainMaker transaction ids reserve nothing on the chain.
func (c *Client) Abandon(string) {}

func (c *Client) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	var info *common.TransactionInfo
	err := c.guard.Do(ctx, "get_tx_by_tx_id", func(ctx context.Context) error {
		i, err := c.sdkClient.GetTxByTxId(txHash)
		if err != nil {
			if isNotFound(err.Error()) {
				return nil
			}
			return classify(err)
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := &types.Receipt{TxHash: txHash}
	if info == nil || info.Transaction == nil || info.Transaction.Result == nil {
		return out, nil
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	res := info.Transaction.Result
	out.Included = true
	out.BlockNumber = info.BlockHeight
	if res.ContractResult != nil {
		out.GasUsed = res.ContractResult.GasUsed
	}
	if res.Code != common.TxStatusCode_SUCCESS {
		out.Reverted = true
		out.RevertReason = res.Message
		if res.ContractResult != nil && res.ContractResult.Message != "" {
			out.RevertReason = res.ContractResult.Message
		}
	}
	if head >= out.BlockNumber {
		out.Confirmations = head - out.BlockNumber + 1
	}
	return out, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var h uint64
	err := c.guard.Do(ctx, "get_current_block_height", func(ctx context.Context) error {
		v, err := c.sdkClient.GetCurrentBlockHeight()
		h = v
		return classify(err)
	})
	return h, err
}

// Close stops the SDK client
func (c *Client) Close() error {
	c.logger.Info().Msg("closing ChainMaker SDK client")
	if err := c.sdkClient.Stop(); err != nil {
		c.logger.Error().Err(err).Msg("error stopping ChainMaker SDK client")
		return fmt.Errorf("failed to stop ChainMaker SDK client: %w", err)
	}
	return nil
}

func isDuplicate(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "tx already exist")
}

func isNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "not exist") || strings.Contains(msg, "no such")
}

// classify treats SDK-level failures as transport problems unless the node said otherwise
func classify(err error) error {
	if err == nil {
		return nil
	}
	if notaryerr.KindOf(err) != "" {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too large"), strings.Contains(msg, "exceed"):
		return notaryerr.Wrap(notaryerr.KindPayloadTooLarge, "transaction too large", err)
	case strings.Contains(msg, "permission"), strings.Contains(msg, "invalid parameter"), strings.Contains(msg, "verify"):
		return notaryerr.Wrap(notaryerr.KindSubmissionRejected, "rejected by node", err)
	}
	return notaryerr.Wrap(notaryerr.KindNetworkUnavailable, "chainmaker sdk call failed", err)
}
