// Package gas maps notarization operations to advisory gas and native-currency costs.
//
// Gas limits are fixed per operation and calibrated against the deployed contracts.
// Estimates never cap or block a submission; the orchestrator reconciles them against
// the gas actually used once a transaction confirms.
package gas

import (
	"fmt"
	"math/big"
	"strings"

	"notary/internal/network"
	"notary/internal/notaryerr"
)

// Operation is a contract call kind.
type Operation string

const (
	OpNotarize        Operation = "notarize"
	OpCommitAudit     Operation = "commit_audit"
	OpRegisterRelease Operation = "register_release"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpNotarize, OpCommitAudit, OpRegisterRelease:
		return op, nil
	}
	return "", notaryerr.Newf(notaryerr.KindInput, "unknown operation %q", s)
}

// Fixed gas limits per operation.
const (
	NotarizeGas        uint64 = 60_000
	CommitAuditGas     uint64 = 145_000
	RegisterReleaseGas uint64 = 95_000
)

// Calldata sizes: a 4-byte selector followed by 32-byte ABI words.
const (
	selectorSize = 4
	wordSize     = 32

	NotarizePayloadSize    = selectorSize + 2*wordSize // runId, merkleRoot
	CommitAuditPayloadSize = selectorSize + 4*wordSize // runId, merkleRoot, auditCommitment, leafCount
)

// ReleasePayloadSize is the calldata size of registerRelease(string,bytes32,bytes32).
func ReleasePayloadSize(version string) int {
	padded := (len(version) + wordSize - 1) / wordSize * wordSize
	// head: string offset + two bytes32; tail: length word + padded bytes
	return selectorSize + 3*wordSize + wordSize + padded
}

// Limit returns the fixed gas limit for op.
func Limit(op Operation) uint64 {
	switch op {
	case OpNotarize:
		return NotarizeGas
	case OpCommitAudit:
		return CommitAuditGas
	case OpRegisterRelease:
		return RegisterReleaseGas
	}
	return 0
}

// CostEstimate is an advisory cost attached to a quote or record. Wei amounts are
// decimal strings in the network's smallest currency unit.
type CostEstimate struct {
	Operation            Operation `json:"operation"`
	GasLimit             uint64    `json:"gas_limit"`
	GasPriceWei          string    `json:"gas_price_wei"`
	CostWei              string    `json:"cost_wei"`
	CostNative           string    `json:"cost_native"`
	Currency             string    `json:"currency"`
	EstimatedPayloadSize int       `json:"estimated_payload_size"`
}

// Estimator computes CostEstimates. It holds no state; networks are passed per call.
type Estimator struct{}

func NewEstimator() *Estimator { return &Estimator{} }

// Estimate returns the cost of op on net. payloadSize overrides the default calldata
// size when positive, which register_release needs for its variable-length version.
func (e *Estimator) Estimate(op Operation, net *network.Config, payloadSize int) (CostEstimate, error) {
	if net == nil {
		return CostEstimate{}, notaryerr.New(notaryerr.KindUnknownNetwork, "no network given for cost estimate")
	}
	limit := Limit(op)
	if limit == 0 {
		return CostEstimate{}, notaryerr.Newf(notaryerr.KindInput, "unknown operation %q", op)
	}
	if payloadSize <= 0 {
		payloadSize = defaultPayloadSize(op)
	}
	return estimateFor(op, limit, net, payloadSize), nil
}

func defaultPayloadSize(op Operation) int {
	switch op {
	case OpNotarize:
		return NotarizePayloadSize
	case OpCommitAudit:
		return CommitAuditPayloadSize
	default:
		return ReleasePayloadSize("")
	}
}

func estimateFor(op Operation, limit uint64, net *network.Config, payloadSize int) CostEstimate {
	price := net.GasPriceWei()
	cost := Cost(limit, price)
	return CostEstimate{
		Operation:            op,
		GasLimit:             limit,
		GasPriceWei:          price.String(),
		CostWei:              cost.String(),
		CostNative:           FormatNative(cost, net.NativeCurrency.Decimals),
		Currency:             net.NativeCurrency.Symbol,
		EstimatedPayloadSize: payloadSize,
	}
}

// Quote is the cost preview shown before notarizing a root.
type Quote struct {
	Notary CostEstimate  `json:"notary"`
	Commit *CostEstimate `json:"commit,omitempty"` // incremental cost of bundling the audit commit
	Total  CostEstimate  `json:"total"`
}

// Quote previews notarizing on net. With includeAudit the root and the audit
// commitment go out in a single commitAudit transaction, so Commit is the increment
// over a bare notarize and Total is the commit_audit estimate.
func (e *Estimator) Quote(net *network.Config, includeAudit bool) (*Quote, error) {
	notary, err := e.Estimate(OpNotarize, net, 0)
	if err != nil {
		return nil, err
	}
	q := &Quote{Notary: notary, Total: notary}
	if !includeAudit {
		return q, nil
	}
	total, err := e.Estimate(OpCommitAudit, net, 0)
	if err != nil {
		return nil, err
	}
	inc := estimateFor(OpCommitAudit, CommitAuditGas-NotarizeGas, net, CommitAuditPayloadSize-NotarizePayloadSize)
	q.Commit = &inc
	q.Total = total
	return q, nil
}

// Cost returns gasUsed × gasPrice.
func Cost(gasUsed uint64, gasPriceWei *big.Int) *big.Int {
	if gasPriceWei == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), gasPriceWei)
}

// FormatNative renders wei in whole currency units with trailing zeros trimmed.
func FormatNative(wei *big.Int, decimals int) string {
	if wei == nil {
		return "0"
	}
	if decimals <= 0 {
		return wei.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	s := new(big.Rat).SetFrac(wei, scale).FloatString(decimals)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

// Delta returns actual minus estimated gas as a signed value.
func Delta(estimated, actual uint64) int64 {
	return int64(actual) - int64(estimated)
}

func (c CostEstimate) String() string {
	return fmt.Sprintf("%s: %d gas × %s wei = %s %s", c.Operation, c.GasLimit, c.GasPriceWei, c.CostNative, c.Currency)
}
