package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Method is a notary contract entry point. Values match gas operation names.
type Method string

const (
	MethodNotarize        Method = "notarize"
	MethodCommitAudit     Method = "commit_audit"
	MethodRegisterRelease Method = "register_release"
)

// ReleaseCall carries the arguments of registerRelease
type ReleaseCall struct {
	Version      string      `json:"version"`
	SourceHash   common.Hash `json:"source_hash"`
	ArtifactHash common.Hash `json:"artifact_hash"`
}

// Call is a chain-agnostic contract invocation built by the orchestrator
type Call struct {
	Method          Method       `json:"method"`
	Contract        string       `json:"contract"` // address on EVM chains, contract name on ChainMaker
	RunID           string       `json:"run_id"`
	MerkleRoot      common.Hash  `json:"merkle_root"`
	AuditCommitment common.Hash  `json:"audit_commitment,omitempty"`
	LeafCount       uint32       `json:"leaf_count,omitempty"`
	Release         *ReleaseCall `json:"release,omitempty"`
	GasLimit        uint64       `json:"gas_limit"` // fixed estimate; clients may refine it
}

// SignedTx is a transaction whose hash is known before it is broadcast.
// Payload is opaque to everything but the client that produced it. Raw is the
// client's serialized form; it is persisted so a later process can re-broadcast
// the same transaction from Raw alone.
type SignedTx struct {
	Hash        string
	PayloadSize int
	GasLimit    uint64
	Payload     any
	Raw         []byte
}

// Receipt is what a client knows about a broadcast transaction
type Receipt struct {
	TxHash        string
	Included      bool   // false while the tx is only in the pool
	Reverted      bool   // included, but execution failed
	RevertReason  string
	BlockNumber   uint64
	GasUsed       uint64
	GasPriceWei   *big.Int // effective price when the chain reports one
	Confirmations uint64   // head - block + 1 once included
}
