// Package merkle builds binary Merkle trees over ordered Keccak-256 leaf digests.
//
// Levels are built bottom-up by hashing adjacent pairs left to right. When a level
// has an odd number of nodes the last node is paired with itself, never promoted.
// A single leaf is its own root. Leaf order is significant.
package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"notary/internal/hashing"
	"notary/internal/notaryerr"
)

// Policy describes the tree construction; it is recorded in audit payloads.
const Policy = "binary-keccak256-duplicate-odd"

// Result is the root over an ordered document set.
type Result struct {
	Root      common.Hash              `json:"root"`
	LeafCount int                      `json:"leaf_count"`
	Documents []hashing.DocumentDigest `json:"documents"`
}

// HashPair returns H(left || right).
func HashPair(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}

// Root computes the root over leaves.
func Root(leaves []common.Hash) (common.Hash, error) {
	if len(leaves) == 0 {
		return common.Hash{}, notaryerr.ErrEmptyInput
	}
	level := leaves
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0], nil
}

// Build computes the Result for ordered digests.
func Build(digests []hashing.DocumentDigest) (*Result, error) {
	root, err := Root(hashing.Leaves(digests))
	if err != nil {
		return nil, err
	}
	docs := make([]hashing.DocumentDigest, len(digests))
	copy(docs, digests)
	return &Result{Root: root, LeafCount: len(digests), Documents: docs}, nil
}

// BuildDocuments hashes docs and builds the tree in one step.
func BuildDocuments(docs []hashing.Document) (*Result, error) {
	if len(docs) == 0 {
		return nil, notaryerr.ErrEmptyInput
	}
	digests, err := hashing.HashDocuments(docs)
	if err != nil {
		return nil, err
	}
	return Build(digests)
}

func nextLevel(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, HashPair(left, right))
	}
	return next
}

// Step is one sibling on the path from a leaf to the root.
// Left is true when the sibling is the left operand of the pair hash.
type Step struct {
	Sibling common.Hash `json:"sibling"`
	Left    bool        `json:"left"`
}

// Proof is an inclusion proof for the leaf at Index.
type Proof struct {
	Index int         `json:"index"`
	Leaf  common.Hash `json:"leaf"`
	Path  []Step      `json:"path"`
}

// Prove returns the inclusion proof for leaves[index].
func Prove(leaves []common.Hash, index int) (*Proof, error) {
	if len(leaves) == 0 {
		return nil, notaryerr.ErrEmptyInput
	}
	if index < 0 || index >= len(leaves) {
		return nil, notaryerr.Newf(notaryerr.KindInput, "leaf index %d out of range [0,%d)", index, len(leaves))
	}

	proof := &Proof{Index: index, Leaf: leaves[index]}
	level := leaves
	pos := index
	for len(level) > 1 {
		var step Step
		if pos%2 == 0 {
			sib := pos + 1
			if sib >= len(level) {
				sib = pos // odd tail is paired with itself
			}
			step = Step{Sibling: level[sib], Left: false}
		} else {
			step = Step{Sibling: level[pos-1], Left: true}
		}
		proof.Path = append(proof.Path, step)
		level = nextLevel(level)
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from proof and compares it with root.
func Verify(root common.Hash, proof *Proof) error {
	if proof == nil {
		return notaryerr.New(notaryerr.KindInput, "proof is nil")
	}
	acc := proof.Leaf
	for _, s := range proof.Path {
		if s.Left {
			acc = HashPair(s.Sibling, acc)
		} else {
			acc = HashPair(acc, s.Sibling)
		}
	}
	if acc != root {
		return fmt.Errorf("proof for leaf %d yields root %s, want %s", proof.Index, acc.Hex(), root.Hex())
	}
	return nil
}
