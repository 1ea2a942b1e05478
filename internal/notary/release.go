package notary

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/merkle"
	"notary/internal/notaryerr"
	"notary/storage/store"
)

// ReleaseRunPrefix prefixes the run id of every release notarization.
const ReleaseRunPrefix = "release:"

// ReleaseRequest registers a software release digest on a network.
type ReleaseRequest struct {
	Version      string
	SourceHash   common.Hash
	ArtifactHash common.Hash
	Network      string
}

// ReleaseRunID returns the run id a release version is notarized under.
func ReleaseRunID(version string) string { return ReleaseRunPrefix + version }

// RegisterRelease notarizes a release through the release registry. The two
// digests form a two-leaf tree (source first, artifact second) so the record
// carries a root like any other notarization.
func (o *Orchestrator) RegisterRelease(ctx context.Context, req ReleaseRequest) (*store.Record, error) {
	version := strings.TrimSpace(req.Version)
	if version == "" {
		return nil, notaryerr.New(notaryerr.KindInput, "version is required")
	}
	if (req.SourceHash == common.Hash{}) || (req.ArtifactHash == common.Hash{}) {
		return nil, notaryerr.New(notaryerr.KindInput, "source_hash and artifact_hash are required")
	}
	runID := ReleaseRunID(version)
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	if req.Network == "" {
		return nil, notaryerr.New(notaryerr.KindUnknownNetwork, "network is required")
	}
	net, err := o.registry.Resolve(req.Network)
	if err != nil {
		return nil, err
	}
	if _, err := o.registry.CheckSubmittable(net.Key); err != nil {
		return nil, err
	}

	tree, err := merkle.Build([]hashing.DocumentDigest{
		{Index: 0, Title: "source", Hash: req.SourceHash},
		{Index: 1, Title: "artifact", Hash: req.ArtifactHash},
	})
	if err != nil {
		return nil, err
	}
	payload, commitment, err := BuildAuditPayload(runID, tree, map[string]any{"release_version": version}, o.cfg.MaxAuditPayloadBytes)
	if err != nil {
		return nil, err
	}
	q := &store.Quote{
		RunID:           runID,
		Operation:       gas.OpRegisterRelease,
		MerkleRoot:      tree.Root,
		LeafCount:       tree.LeafCount,
		Documents:       tree.Documents,
		AuditPayload:    payload,
		AuditCommitment: commitment,
		Release: &store.Release{
			Version:      version,
			SourceHash:   req.SourceHash,
			ArtifactHash: req.ArtifactHash,
		},
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.PutQuote(ctx, q); err != nil {
		return nil, err
	}
	return o.Notarize(ctx, NotarizeRequest{RunID: runID, Network: string(net.Key)})
}
