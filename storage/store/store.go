// Package store persists notarization quotes and records.
//
// Records are keyed by (run_id, chain_id, attempt). Get returns the latest attempt for a
// (run_id, chain_id) pair. Terminal records are never mutated and nothing is deleted.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/notaryerr"
)

// Status is the lifecycle state of a notarization record.
type Status string

const (
	StatusQuoted                  Status = "quoted"
	StatusSubmitted               Status = "submitted"
	StatusPending                 Status = "pending"
	StatusConfirmed               Status = "confirmed"
	StatusFailed                  Status = "failed"
	StatusRejectedBeforeInclusion Status = "rejected_before_inclusion"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusRejectedBeforeInclusion:
		return true
	}
	return false
}

var transitions = map[Status]map[Status]bool{
	StatusQuoted:    {StatusSubmitted: true, StatusFailed: true},
	StatusSubmitted: {StatusPending: true, StatusRejectedBeforeInclusion: true, StatusFailed: true},
	StatusPending:   {StatusPending: true, StatusConfirmed: true, StatusFailed: true},
}

// CheckTransition returns a conflict error unless from -> to is allowed.
func CheckTransition(from, to Status) error {
	if from.Terminal() {
		return notaryerr.Newf(notaryerr.KindConflict, "record is terminal (%s)", from)
	}
	if !transitions[from][to] {
		return notaryerr.Newf(notaryerr.KindConflict, "illegal transition %s -> %s", from, to)
	}
	return nil
}

// ErrNotFound is matched by every lookup miss.
var ErrNotFound = notaryerr.ErrNotFound

// Release identifies a software release notarized through the release registry.
type Release struct {
	Version      string      `json:"version"`
	SourceHash   common.Hash `json:"source_hash"`
	ArtifactHash common.Hash `json:"artifact_hash"`
}

// Quote is the hashed input of a notarization: the Merkle result, the audit payload and
// its commitment. Quotes are retained so a failed attempt keeps what was attempted.
type Quote struct {
	RunID           string                   `json:"run_id"`
	Operation       gas.Operation            `json:"operation"`
	MerkleRoot      common.Hash              `json:"merkle_root"`
	LeafCount       int                      `json:"leaf_count"`
	Documents       []hashing.DocumentDigest `json:"documents"`
	AuditPayload    json.RawMessage          `json:"audit_payload,omitempty"`
	AuditCommitment common.Hash              `json:"audit_commitment"`
	Release         *Release                 `json:"release,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
}

// Clone returns a deep copy.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	c := *q
	c.Documents = append([]hashing.DocumentDigest(nil), q.Documents...)
	if q.AuditPayload != nil {
		c.AuditPayload = append(json.RawMessage(nil), q.AuditPayload...)
	}
	if q.Release != nil {
		r := *q.Release
		c.Release = &r
	}
	return &c
}

// Record is one notarization attempt on one chain.
type Record struct {
	RunID               string           `json:"run_id"`
	ChainID             uint64           `json:"chain_id"`
	Attempt             int              `json:"attempt"`
	NetworkKey          string           `json:"network"`
	Operation           gas.Operation    `json:"operation"`
	MerkleRoot          common.Hash      `json:"merkle_root"`
	TxHash              string           `json:"tx_hash,omitempty"`
	RawTx               []byte           `json:"-"` // signed transaction, kept for re-broadcast
	BlockNumber         uint64           `json:"block_number,omitempty"`
	ContractAddress     string           `json:"contract_address"`
	GasUsed             uint64           `json:"gas_used,omitempty"`
	ConfirmationCount   uint64           `json:"confirmation_count"`
	AuditCommitIncluded bool             `json:"audit_commit_included"`
	PayloadSize         int              `json:"payload_size"`
	Status              Status           `json:"status"`
	Estimate            gas.CostEstimate `json:"estimate"`
	ActualCostWei       string           `json:"actual_cost_wei,omitempty"`
	FailureKind         notaryerr.Kind   `json:"failure_kind,omitempty"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	SubmittedAt         *time.Time       `json:"submitted_at,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
	ConfirmedAt         *time.Time       `json:"confirmed_at,omitempty"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.RawTx != nil {
		c.RawTx = append([]byte(nil), r.RawTx...)
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		c.SubmittedAt = &t
	}
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}

// Failure returns the recorded failure as an error, or nil unless the record
// ended in failed or rejected_before_inclusion.
func (r *Record) Failure() error {
	if r == nil || (r.Status != StatusFailed && r.Status != StatusRejectedBeforeInclusion) {
		return nil
	}
	kind := r.FailureKind
	if kind == "" {
		kind = notaryerr.KindSubmissionRejected
	}
	return notaryerr.New(kind, r.FailureReason)
}

// Store is the notarization status store.
type Store interface {
	// PutQuote saves q. Saving the same (run_id, merkle_root) again makes it the latest quote.
	PutQuote(ctx context.Context, q *Quote) error
	// GetQuote returns the latest quote for runID.
	GetQuote(ctx context.Context, runID string) (*Quote, error)
	// GetQuoteByRoot returns the quote a record was built from.
	GetQuoteByRoot(ctx context.Context, runID string, root common.Hash) (*Quote, error)

	// Put inserts a new attempt. It fails with a conflict if the attempt exists.
	Put(ctx context.Context, rec *Record) error
	// Get returns the latest attempt for (runID, chainID).
	Get(ctx context.Context, runID string, chainID uint64) (*Record, error)
	// GetAttempt returns one attempt for (runID, chainID).
	GetAttempt(ctx context.Context, runID string, chainID uint64, attempt int) (*Record, error)
	// Update replaces the latest attempt after checking the status transition.
	Update(ctx context.Context, rec *Record) error
	// UpdateConfirmations sets the confirmation count of a pending record.
	UpdateConfirmations(ctx context.Context, runID string, chainID uint64, count uint64) error

	// History returns every attempt for (runID, chainID), oldest first.
	History(ctx context.Context, runID string, chainID uint64) ([]*Record, error)
	// ListByRun returns the latest attempt on every chain for runID, most recently updated first.
	ListByRun(ctx context.Context, runID string) ([]*Record, error)
	// ListNonTerminal returns up to limit in-flight records, oldest update first.
	ListNonTerminal(ctx context.Context, limit int) ([]*Record, error)

	// WithLock runs fn while holding the store-wide writer lock for (runID, chainID).
	WithLock(ctx context.Context, runID string, chainID uint64, fn func(ctx context.Context) error) error

	Close()
}

// lockKey is the textual key used by per-record locks.
func lockKey(runID string, chainID uint64) string {
	return runID + "@" + strconv.FormatUint(chainID, 10)
}
