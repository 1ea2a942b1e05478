package http

import (
	"time"

	"notary/internal/gas"
	"notary/internal/network"
	"notary/storage/store"
)

// recordResponse is the wire form of a notarization record
type recordResponse struct {
	RunID               string           `json:"run_id"`
	Attempt             int              `json:"attempt"`
	Status              store.Status     `json:"status"`
	Operation           gas.Operation    `json:"operation"`
	MerkleRoot          string           `json:"merkle_root"`
	TxHash              string           `json:"tx_hash,omitempty"`
	BlockNumber         uint64           `json:"block_number,omitempty"`
	Network             string           `json:"network"`
	NetworkID           uint64           `json:"network_id"`
	NetworkName         string           `json:"network_name,omitempty"`
	IsPrivateSubnet     bool             `json:"is_private_subnet"`
	ContractAddress     string           `json:"contract_address"`
	GasUsed             uint64           `json:"gas_used,omitempty"`
	ConfirmationCount   uint64           `json:"confirmation_count"`
	AuditCommitIncluded bool             `json:"audit_commit_included"`
	PayloadSize         int              `json:"payload_size"`
	Estimate            gas.CostEstimate `json:"cost_estimate"`
	ActualCostWei       string           `json:"actual_cost_wei,omitempty"`
	FailureKind         string           `json:"failure_kind,omitempty"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	ExplorerURL         string           `json:"explorer_url,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	SubmittedAt         *time.Time       `json:"submitted_at,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
	ConfirmedAt         *time.Time       `json:"confirmed_at,omitempty"`
}

func newRecordResponse(rec *store.Record, net *network.Config) *recordResponse {
	out := &recordResponse{
		RunID:               rec.RunID,
		Attempt:             rec.Attempt,
		Status:              rec.Status,
		Operation:           rec.Operation,
		MerkleRoot:          rec.MerkleRoot.Hex(),
		TxHash:              rec.TxHash,
		BlockNumber:         rec.BlockNumber,
		Network:             rec.NetworkKey,
		NetworkID:           rec.ChainID,
		ContractAddress:     rec.ContractAddress,
		GasUsed:             rec.GasUsed,
		ConfirmationCount:   rec.ConfirmationCount,
		AuditCommitIncluded: rec.AuditCommitIncluded,
		PayloadSize:         rec.PayloadSize,
		Estimate:            rec.Estimate,
		ActualCostWei:       rec.ActualCostWei,
		FailureKind:         string(rec.FailureKind),
		FailureReason:       rec.FailureReason,
		CreatedAt:           rec.CreatedAt,
		SubmittedAt:         rec.SubmittedAt,
		UpdatedAt:           rec.UpdatedAt,
		ConfirmedAt:         rec.ConfirmedAt,
	}
	if net != nil {
		out.NetworkName = net.DisplayName
		out.IsPrivateSubnet = net.IsPrivate
		out.ExplorerURL = net.ExplorerTxURL(rec.TxHash)
	}
	return out
}

// networkResponse adds the representative gas price to the registry entry
type networkResponse struct {
	*network.Config
	GasPriceWei string `json:"gas_price_wei"`
}
