package models

import "time"

// Message is anything published to Kafka. The partition key keeps all messages of
// one run on one partition, so consumers see them in order.
type Message interface {
	PartitionKey() string
}

// NotarizeRequest asks the engine to notarize a quoted run asynchronously
type NotarizeRequest struct {
	RequestID          string    `json:"request_id"`
	RunID              string    `json:"run_id"`
	Network            string    `json:"network"`
	IncludeAuditCommit bool      `json:"include_audit_commit"`
	ReceivedTimestamp  time.Time `json:"received_timestamp"`
}

func (r *NotarizeRequest) PartitionKey() string { return r.RunID }

// NotarizationEvent is emitted on every record transition
type NotarizationEvent struct {
	EventID           string    `json:"event_id"`
	RunID             string    `json:"run_id"`
	ChainID           uint64    `json:"chain_id"`
	Network           string    `json:"network"`
	Attempt           int       `json:"attempt"`
	Operation         string    `json:"operation"`
	From              string    `json:"from,omitempty"`
	Status            string    `json:"status"`
	MerkleRoot        string    `json:"merkle_root"`
	TxHash            string    `json:"tx_hash,omitempty"`
	BlockNumber       uint64    `json:"block_number,omitempty"`
	ConfirmationCount uint64    `json:"confirmation_count"`
	GasUsed           uint64    `json:"gas_used,omitempty"`
	FailureKind       string    `json:"failure_kind,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

func (e *NotarizationEvent) PartitionKey() string { return e.RunID }
