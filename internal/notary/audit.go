package notary

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"notary/internal/hashing"
	"notary/internal/merkle"
	"notary/internal/notaryerr"
)

// AuditPayloadVersion is bumped whenever the payload layout changes.
const AuditPayloadVersion = 1

// BuildAuditPayload returns the canonical audit payload for a tree and its Keccak-256
// commitment. The payload is JSON with lexicographically sorted keys and no
// insignificant whitespace, so the same inputs always produce the same commitment.
// Metadata values should be decoded with json.Number to keep numbers exact.
func BuildAuditPayload(runID string, tree *merkle.Result, metadata map[string]any, maxBytes int) (json.RawMessage, common.Hash, error) {
	docs := make([]any, len(tree.Documents))
	for i, d := range tree.Documents {
		docs[i] = map[string]any{
			"index":          d.Index,
			"title":          d.Title,
			"hash":           d.Hash.Hex(),
			"content_length": d.ContentLength,
		}
	}
	payload := map[string]any{
		"version":          AuditPayloadVersion,
		"run_id":           runID,
		"merkle_root":      tree.Root.Hex(),
		"leaf_count":       tree.LeafCount,
		"hash_algorithm":   hashing.Algorithm,
		"canonicalization": "utf-8/nfc",
		"tree_policy":      merkle.Policy,
		"documents":        docs,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}

	b, err := canonicalJSON(payload)
	if err != nil {
		return nil, common.Hash{}, notaryerr.Wrap(notaryerr.KindInput, "audit metadata is not serializable", err)
	}
	if maxBytes > 0 && len(b) > maxBytes {
		return nil, common.Hash{}, notaryerr.Newf(notaryerr.KindPayloadTooLarge, "audit payload is %d bytes, limit is %d", len(b), maxBytes)
	}
	return b, crypto.Keccak256Hash(b), nil
}

// VerifyAuditPayload recomputes the commitment of a stored payload.
func VerifyAuditPayload(payload json.RawMessage, commitment common.Hash) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return notaryerr.Wrap(notaryerr.KindEncoding, "audit payload is not JSON", err)
	}
	b, err := canonicalJSON(v)
	if err != nil {
		return err
	}
	if got := crypto.Keccak256Hash(b); got != commitment {
		return notaryerr.Newf(notaryerr.KindConflict, "audit commitment mismatch: payload hashes to %s, expected %s", got.Hex(), commitment.Hex())
	}
	return nil
}

// canonicalJSON relies on encoding/json sorting map keys; HTML escaping is off so
// the bytes match what other canonical encoders emit.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode canonical json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
