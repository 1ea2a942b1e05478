// Package hashing canonicalizes document content and computes per-document digests.
//
// The digest is Keccak-256 over the NFC-normalized UTF-8 bytes of the content.
// Titles and other metadata are not hashed, so cosmetic edits leave digests unchanged.
package hashing

import (
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"notary/internal/notaryerr"
)

// Algorithm names the digest function; it is recorded in audit payloads.
const Algorithm = "keccak256"

// parallelThreshold is the document count above which content is hashed concurrently.
const parallelThreshold = 64

// Document is caller-owned input. It is never persisted; only its digest is.
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ContentLength is the byte length of the raw content as submitted.
func (d Document) ContentLength() int { return len(d.Content) }

// DocumentDigest is the digest of one document. Index is the position in the
// original submission and fixes the leaf order of the Merkle tree.
type DocumentDigest struct {
	Index         int         `json:"index"`
	Title         string      `json:"title"`
	ContentLength int         `json:"content_length"`
	Hash          common.Hash `json:"hash"`
}

// Canonicalize returns the canonical byte form of content.
func Canonicalize(content string) ([]byte, error) {
	if !utf8.ValidString(content) {
		return nil, notaryerr.New(notaryerr.KindEncoding, "content is not valid UTF-8")
	}
	return norm.NFC.Bytes([]byte(content)), nil
}

// HashContent returns the digest of a single document's content.
func HashContent(content string) (common.Hash, error) {
	canon, err := Canonicalize(content)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(canon), nil
}

// HashBytes hashes bytes that are already canonical (e.g. release artifacts).
func HashBytes(b []byte) common.Hash {
	return crypto.Keccak256Hash(b)
}

// HashDocuments returns one digest per document, in input order.
// An encoding failure names the offending document index and is never retried.
func HashDocuments(docs []Document) ([]DocumentDigest, error) {
	out := make([]DocumentDigest, len(docs))
	hashOne := func(i int) error {
		h, err := HashContent(docs[i].Content)
		if err != nil {
			return notaryerr.Wrap(notaryerr.KindEncoding, "document "+strconv.Itoa(i), err)
		}
		out[i] = DocumentDigest{
			Index:         i,
			Title:         docs[i].Title,
			ContentLength: docs[i].ContentLength(),
			Hash:          h,
		}
		return nil
	}

	if len(docs) < parallelThreshold {
		for i := range docs {
			if err := hashOne(i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	var g errgroup.Group
	g.SetLimit(8)
	for i := range docs {
		i := i
		g.Go(func() error { return hashOne(i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Leaves extracts the ordered leaf hashes from digests.
func Leaves(digests []DocumentDigest) []common.Hash {
	leaves := make([]common.Hash, len(digests))
	for i, d := range digests {
		leaves[i] = d.Hash
	}
	return leaves
}

// ParseDigest parses a 32-byte hex digest with or without a 0x prefix.
func ParseDigest(s string) (common.Hash, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, notaryerr.Wrap(notaryerr.KindInput, "digest is not hex", err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, notaryerr.Newf(notaryerr.KindInput, "digest must be %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// Preview returns at most n runes of content, with an ellipsis when truncated.
func Preview(content string, n int) string {
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	runes := []rune(content)
	return string(runes[:n]) + "..."
}

