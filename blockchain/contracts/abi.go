// Package contracts packs calls to the notary, audit-commit-store and release-registry
// contracts.
package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"notary/blockchain/types"
)

const notaryABI = `[
  {"type":"function","name":"notarize","stateMutability":"nonpayable",
   "inputs":[{"name":"runId","type":"bytes32"},{"name":"merkleRoot","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"commitAudit","stateMutability":"nonpayable",
   "inputs":[{"name":"runId","type":"bytes32"},{"name":"merkleRoot","type":"bytes32"},
             {"name":"auditCommitment","type":"bytes32"},{"name":"leafCount","type":"uint32"}],"outputs":[]},
  {"type":"function","name":"registerRelease","stateMutability":"nonpayable",
   "inputs":[{"name":"version","type":"string"},{"name":"sourceHash","type":"bytes32"},
             {"name":"artifactHash","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"Notarized","anonymous":false,
   "inputs":[{"name":"runId","type":"bytes32","indexed":true},{"name":"merkleRoot","type":"bytes32","indexed":false}]}
]`

// ABI is the combined interface of the three contracts.
var ABI = mustParse(notaryABI)

func mustParse(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid notary ABI: %v", err))
	}
	return parsed
}

// RunIDKey is the bytes32 form of a run id used on chain.
func RunIDKey(runID string) common.Hash {
	return crypto.Keccak256Hash([]byte(runID))
}

// Pack returns the calldata for call.
func Pack(call types.Call) ([]byte, error) {
	switch call.Method {
	case types.MethodNotarize:
		return ABI.Pack("notarize", RunIDKey(call.RunID), call.MerkleRoot)
	case types.MethodCommitAudit:
		return ABI.Pack("commitAudit", RunIDKey(call.RunID), call.MerkleRoot, call.AuditCommitment, call.LeafCount)
	case types.MethodRegisterRelease:
		if call.Release == nil {
			return nil, fmt.Errorf("register_release call without release arguments")
		}
		return ABI.Pack("registerRelease", call.Release.Version, call.Release.SourceHash, call.Release.ArtifactHash)
	}
	return nil, fmt.Errorf("unknown contract method %q", call.Method)
}

// StorageWrites is the number of storage slots a call writes, used by the dev chain's gas model.
func StorageWrites(m types.Method) int {
	switch m {
	case types.MethodNotarize:
		return 1
	case types.MethodCommitAudit:
		return 3
	case types.MethodRegisterRelease:
		return 3
	}
	return 0
}
