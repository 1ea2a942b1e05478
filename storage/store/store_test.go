package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/notaryerr"
)

func newRecord(runID string, chainID uint64, attempt int) *Record {
	return &Record{
		RunID:           runID,
		ChainID:         chainID,
		Attempt:         attempt,
		NetworkKey:      "local",
		Operation:       gas.OpNotarize,
		MerkleRoot:      common.HexToHash("0x01"),
		ContractAddress: "0x3000000000000000000000000000000000000001",
		Status:          StatusQuoted,
		Estimate:        gas.CostEstimate{Operation: gas.OpNotarize, GasLimit: gas.NotarizeGas},
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQuoted, StatusSubmitted, true},
		{StatusQuoted, StatusFailed, true},
		{StatusQuoted, StatusPending, false},
		{StatusSubmitted, StatusPending, true},
		{StatusSubmitted, StatusRejectedBeforeInclusion, true},
		{StatusSubmitted, StatusConfirmed, false},
		{StatusPending, StatusPending, true},
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusRejectedBeforeInclusion, false},
		{StatusConfirmed, StatusPending, false},
		{StatusFailed, StatusSubmitted, false},
		{StatusRejectedBeforeInclusion, StatusQuoted, false},
	}
	for _, tt := range tests {
		err := CheckTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.ErrorIs(t, err, notaryerr.ErrConflict, "%s -> %s", tt.from, tt.to)
		}
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "run-1", 1337)
	require.ErrorIs(t, err, ErrNotFound)

	rec := newRecord("run-1", 1337, 1)
	require.NoError(t, s.Put(ctx, rec))

	rec.Status = StatusSubmitted
	rec.TxHash = "0xabc"
	now := time.Now().UTC()
	rec.SubmittedAt = &now
	require.NoError(t, s.Update(ctx, rec))

	rec.Status = StatusPending
	require.NoError(t, s.Update(ctx, rec))
	require.NoError(t, s.UpdateConfirmations(ctx, "run-1", 1337, 2))

	got, err := s.Get(ctx, "run-1", 1337)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ConfirmationCount)
	assert.Equal(t, "0xabc", got.TxHash)

	got.Status = StatusConfirmed
	got.BlockNumber = 7
	require.NoError(t, s.Update(ctx, got))

	// terminal records are immutable
	got.Status = StatusFailed
	assert.ErrorIs(t, s.Update(ctx, got), notaryerr.ErrConflict)
	assert.ErrorIs(t, s.UpdateConfirmations(ctx, "run-1", 1337, 9), notaryerr.ErrConflict)

	final, err := s.Get(ctx, "run-1", 1337)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, final.Status)
	assert.Equal(t, uint64(7), final.BlockNumber)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecord("run-1", 1337, 1)
	require.NoError(t, s.Put(ctx, rec))

	rec.TxHash = "mutated"
	got, err := s.Get(ctx, "run-1", 1337)
	require.NoError(t, err)
	assert.Empty(t, got.TxHash)

	got.TxHash = "mutated"
	again, _ := s.Get(ctx, "run-1", 1337)
	assert.Empty(t, again.TxHash)
}

func TestMemoryStoreAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := newRecord("run-1", 1337, 1)
	require.NoError(t, s.Put(ctx, first))

	// a second active attempt is refused while the first is in flight
	assert.ErrorIs(t, s.Put(ctx, newRecord("run-1", 1337, 2)), notaryerr.ErrConflict)

	first.Status = StatusFailed
	first.FailureKind = notaryerr.KindNetworkUnavailable
	require.NoError(t, s.Update(ctx, first))

	assert.ErrorIs(t, s.Put(ctx, newRecord("run-1", 1337, 1)), notaryerr.ErrConflict)
	require.NoError(t, s.Put(ctx, newRecord("run-1", 1337, 2)))

	// a stale attempt cannot be updated
	first.Status = StatusSubmitted
	assert.ErrorIs(t, s.Update(ctx, first), notaryerr.ErrConflict)

	hist, err := s.History(ctx, "run-1", 1337)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, StatusFailed, hist[0].Status)
	assert.Equal(t, 2, hist[1].Attempt)

	latest, err := s.Get(ctx, "run-1", 1337)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Attempt)
}

func TestMemoryStoreSiblingChains(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, newRecord("run-1", 1337, 1)))
	require.NoError(t, s.Put(ctx, newRecord("run-1", 43113, 1)))
	require.NoError(t, s.Put(ctx, newRecord("run-2", 1337, 1)))

	recs, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	open, err := s.ListNonTerminal(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, open, 3)

	open, err = s.ListNonTerminal(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestMemoryStoreQuotes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetQuote(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	q1 := &Quote{
		RunID: "run-1", Operation: gas.OpNotarize, MerkleRoot: common.HexToHash("0x01"), LeafCount: 1,
		Documents:    []hashing.DocumentDigest{{Index: 0, Title: "A", ContentLength: 3}},
		AuditPayload: json.RawMessage(`{"run_id":"run-1"}`),
	}
	q2 := &Quote{RunID: "run-1", Operation: gas.OpNotarize, MerkleRoot: common.HexToHash("0x02"), LeafCount: 2}
	require.NoError(t, s.PutQuote(ctx, q1))
	require.NoError(t, s.PutQuote(ctx, q2))

	latest, err := s.GetQuote(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, q2.MerkleRoot, latest.MerkleRoot)

	byRoot, err := s.GetQuoteByRoot(ctx, "run-1", q1.MerkleRoot)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run_id":"run-1"}`, string(byRoot.AuditPayload))
	assert.Equal(t, "A", byRoot.Documents[0].Title)

	// re-quoting the same root makes it the latest again
	require.NoError(t, s.PutQuote(ctx, q1))
	latest, err = s.GetQuote(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, q1.MerkleRoot, latest.MerkleRoot)

	_, err = s.GetQuoteByRoot(ctx, "run-1", common.HexToHash("0x03"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStoreServesTerminalAttempts(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	s, err := NewCachedStore(mem, 8)
	require.NoError(t, err)

	rec := newRecord("run-1", 1337, 1)
	require.NoError(t, s.Put(ctx, rec))
	_, err = s.GetAttempt(ctx, "run-1", 1337, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len(), "in-flight records are not cached")

	rec.Status = StatusFailed
	require.NoError(t, s.Update(ctx, rec))
	_, err = s.GetAttempt(ctx, "run-1", 1337, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Put(ctx, newRecord("run-1", 1337, 2)))
	got, err := s.GetAttempt(ctx, "run-1", 1337, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	got, err = s.Get(ctx, "run-1", 1337)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
}

func TestCachedStoreSeesAttemptsFromAnotherInstance(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryStore()
	engine, err := NewCachedStore(shared, 8)
	require.NoError(t, err)
	gateway, err := NewCachedStore(shared, 8)
	require.NoError(t, err)

	first := newRecord("run-1", 1337, 1)
	require.NoError(t, engine.Put(ctx, first))
	first.Status = StatusFailed
	require.NoError(t, engine.Update(ctx, first))

	got, err := gateway.Get(ctx, "run-1", 1337)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	second := newRecord("run-1", 1337, 2)
	second.MerkleRoot = common.HexToHash("0x02")
	require.NoError(t, engine.Put(ctx, second))

	got, err = gateway.Get(ctx, "run-1", 1337)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, StatusQuoted, got.Status)
	assert.Equal(t, second.MerkleRoot, got.MerkleRoot)
}
