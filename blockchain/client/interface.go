package blockchain

import (
	"context"

	"notary/blockchain/types"
)

// ChainClient defines the chain-agnostic operations the orchestrator needs.
// Implementations classify failures with notaryerr kinds: transport problems are
// network_unavailable, node-side refusals are submission_rejected and oversized
// transactions are payload_too_large.
type ChainClient interface {
	// Prepare builds and signs the transaction for call. The returned hash is final,
	// so it can be persisted before Broadcast.
	Prepare(ctx context.Context, call types.Call) (*types.SignedTx, error)

	// Broadcast hands a prepared transaction to the network. Re-broadcasting a
	// transaction the node already knows succeeds. A tx carrying only Hash and Raw
	// is decoded first.
	Broadcast(ctx context.Context, tx *types.SignedTx) error

	// Abandon forgets a prepared transaction that will not be broadcast again, so
	// whatever it reserved (an account nonce on EVM chains) can be handed out again.
	Abandon(txHash string)

	// Receipt reports inclusion and confirmation depth. A transaction that is still
	// in the pool yields a receipt with Included=false and no error.
	Receipt(ctx context.Context, txHash string) (*types.Receipt, error)

	// BlockNumber returns the current head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// Close releases the client's connections
	Close() error
}
