package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/merkle"
	"notary/internal/messaging/producer"
	"notary/internal/models"
	"notary/internal/network"
	"notary/internal/notary"
	"notary/internal/notaryerr"
	"notary/storage/store"
)

// DefaultPreviewLength is the number of characters of content echoed back by hashing.
const DefaultPreviewLength = 120

// Options tunes the service facade
type Options struct {
	NotarizeWait  time.Duration // how long a synchronous notarize waits for confirmation
	MaxDocuments  int
	PreviewLength int
	AsyncEnabled  bool // a request producer is configured
}

// Service is the transport-independent facade used by the HTTP and gRPC servers
type Service struct {
	orch     *notary.Orchestrator
	requests producer.Producer
	opts     Options
	logger   zerolog.Logger
}

// NewService creates a new Service instance
func NewService(orch *notary.Orchestrator, requests producer.Producer, opts Options, logger zerolog.Logger) *Service {
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = DefaultPreviewLength
	}
	if requests == nil {
		requests = producer.NoopProducer{}
	}
	return &Service{
		orch:     orch,
		requests: requests,
		opts:     opts,
		logger:   logger.With().Str("component", "gateway-service").Logger(),
	}
}

// HashInput is an ordered document set to hash and quote
type HashInput struct {
	RunID              string
	Documents          []hashing.Document
	Metadata           map[string]any
	Network            string // optional, selects the cost preview
	IncludeAuditCommit bool
}

// DocumentSummary describes one hashed document
type DocumentSummary struct {
	Index          int
	Title          string
	Hash           string
	ContentLength  int
	ContentPreview string
}

// HashResult is what the caller needs to notarize later
type HashResult struct {
	RunID           string
	MerkleRoot      string
	AuditCommitment string
	Documents       []DocumentSummary
	Network         *network.Config
	GasEstimate     *gas.Quote
}

// HashDocuments hashes and quotes a document set
func (s *Service) HashDocuments(ctx context.Context, in *HashInput) (*HashResult, error) {
	if len(in.Documents) == 0 {
		return nil, notaryerr.ErrEmptyInput
	}
	if s.opts.MaxDocuments > 0 && len(in.Documents) > s.opts.MaxDocuments {
		return nil, notaryerr.Newf(notaryerr.KindInput, "at most %d documents per request, got %d", s.opts.MaxDocuments, len(in.Documents))
	}

	q, err := s.orch.Quote(ctx, notary.QuoteRequest{
		RunID:              in.RunID,
		Documents:          in.Documents,
		Metadata:           in.Metadata,
		Network:            in.Network,
		IncludeAuditCommit: in.IncludeAuditCommit,
	})
	if err != nil {
		return nil, err
	}

	docs := make([]DocumentSummary, len(q.Quote.Documents))
	for i, d := range q.Quote.Documents {
		docs[i] = DocumentSummary{
			Index:          d.Index,
			Title:          d.Title,
			Hash:           d.Hash.Hex(),
			ContentLength:  d.ContentLength,
			ContentPreview: hashing.Preview(in.Documents[i].Content, s.opts.PreviewLength),
		}
	}
	return &HashResult{
		RunID:           q.Quote.RunID,
		MerkleRoot:      q.Quote.MerkleRoot.Hex(),
		AuditCommitment: q.Quote.AuditCommitment.Hex(),
		Documents:       docs,
		Network:         q.Network,
		GasEstimate:     q.Cost,
	}, nil
}

// NotarizeInput selects a quoted run and a network
type NotarizeInput struct {
	RunID              string
	Network            string
	IncludeAuditCommit bool
	Async              bool
}

// NotarizeResult is the outcome of a notarize or release call. Final is false when
// the wait elapsed before a terminal state; RequestID is set for async requests.
type NotarizeResult struct {
	Record    *store.Record
	Network   *network.Config
	Final     bool
	RequestID string
}

// Notarize submits a quoted run. Synchronous calls wait up to NotarizeWait for
// a terminal state. A terminal failure is returned with both the result and the error.
func (s *Service) Notarize(ctx context.Context, in *NotarizeInput) (*NotarizeResult, error) {
	if in.RunID == "" {
		return nil, notaryerr.New(notaryerr.KindInput, "run_id is required")
	}
	if in.Async {
		return s.enqueue(ctx, in)
	}
	rec, err := s.orch.Notarize(ctx, notary.NotarizeRequest{
		RunID:              in.RunID,
		Network:            in.Network,
		IncludeAuditCommit: in.IncludeAuditCommit,
	})
	return s.settle(ctx, rec, err)
}

func (s *Service) enqueue(ctx context.Context, in *NotarizeInput) (*NotarizeResult, error) {
	if !s.opts.AsyncEnabled {
		return nil, notaryerr.New(notaryerr.KindInput, "asynchronous notarization is not enabled")
	}
	if in.Network == "" {
		return nil, notaryerr.New(notaryerr.KindUnknownNetwork, "network is required")
	}
	net, err := s.orch.Registry().Resolve(in.Network)
	if err != nil {
		return nil, err
	}
	if _, err := s.orch.Registry().CheckSubmittable(net.Key); err != nil {
		return nil, err
	}
	req := &models.NotarizeRequest{
		RequestID:          uuid.NewString(),
		RunID:              in.RunID,
		Network:            string(net.Key),
		IncludeAuditCommit: in.IncludeAuditCommit,
		ReceivedTimestamp:  time.Now().UTC(),
	}
	if err := s.requests.Publish(ctx, req); err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindNetworkUnavailable, "failed to enqueue notarize request", err)
	}
	s.logger.Info().Str("request_id", req.RequestID).Str("run_id", req.RunID).Str("network", req.Network).Msg("notarize request enqueued")
	return &NotarizeResult{Network: net, RequestID: req.RequestID}, nil
}

// settle waits for a freshly submitted record to become terminal
func (s *Service) settle(ctx context.Context, rec *store.Record, err error) (*NotarizeResult, error) {
	if rec == nil {
		return nil, err
	}
	net, lookupErr := s.orch.Registry().ByChainID(rec.ChainID)
	if lookupErr != nil {
		return nil, lookupErr
	}
	res := &NotarizeResult{Record: rec, Network: net, Final: rec.Status.Terminal()}
	if err != nil || res.Final || s.opts.NotarizeWait <= 0 {
		return res, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.NotarizeWait)
	defer cancel()
	latest, err := s.orch.AwaitConfirmation(waitCtx, rec.RunID, rec.ChainID)
	if latest != nil {
		res.Record = latest
		res.Final = latest.Status.Terminal()
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// still pending; the caller polls the status endpoint
		return res, nil
	}
	return res, err
}

// ReleaseInput carries hex digests of a release
type ReleaseInput struct {
	Version      string
	SourceHash   string
	ArtifactHash string
	Network      string
}

// RegisterRelease notarizes a release digest and waits like Notarize
func (s *Service) RegisterRelease(ctx context.Context, in *ReleaseInput) (*NotarizeResult, error) {
	src, err := hashing.ParseDigest(in.SourceHash)
	if err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindInput, "source_hash", err)
	}
	art, err := hashing.ParseDigest(in.ArtifactHash)
	if err != nil {
		return nil, notaryerr.Wrap(notaryerr.KindInput, "artifact_hash", err)
	}
	rec, err := s.orch.RegisterRelease(ctx, notary.ReleaseRequest{
		Version:      in.Version,
		SourceHash:   src,
		ArtifactHash: art,
		Network:      in.Network,
	})
	return s.settle(ctx, rec, err)
}

// Status returns the latest record for a run with its network
func (s *Service) Status(ctx context.Context, runID, networkKey string) (*store.Record, *network.Config, error) {
	rec, err := s.orch.Status(ctx, runID, networkKey)
	if err != nil {
		return nil, nil, err
	}
	net, err := s.orch.Registry().ByChainID(rec.ChainID)
	if err != nil {
		return nil, nil, err
	}
	return rec, net, nil
}

// History returns every attempt for a run
func (s *Service) History(ctx context.Context, runID, networkKey string) ([]*store.Record, error) {
	return s.orch.History(ctx, runID, networkKey)
}

// Attempt returns one attempt of a run with its network
func (s *Service) Attempt(ctx context.Context, runID, networkKey string, attempt int) (*store.Record, *network.Config, error) {
	rec, err := s.orch.Attempt(ctx, runID, networkKey, attempt)
	if err != nil {
		return nil, nil, err
	}
	net, err := s.orch.Registry().ByChainID(rec.ChainID)
	if err != nil {
		return nil, nil, err
	}
	return rec, net, nil
}

// Audit returns the audit export of a run
func (s *Service) Audit(ctx context.Context, runID string) (*notary.AuditView, error) {
	return s.orch.Audit(ctx, runID)
}

// Networks lists the configured networks
func (s *Service) Networks() []*network.Config {
	return s.orch.Registry().All()
}

// NetworkByChainID resolves the network of a stored record
func (s *Service) NetworkByChainID(chainID uint64) (*network.Config, error) {
	return s.orch.Registry().ByChainID(chainID)
}

// ProofResult is an inclusion proof with the root it proves against
type ProofResult struct {
	Root  string
	Proof *merkle.Proof
}

// Proof hashes docs and returns the inclusion proof of the document at index
func (s *Service) Proof(ctx context.Context, docs []hashing.Document, index int) (*ProofResult, error) {
	if s.opts.MaxDocuments > 0 && len(docs) > s.opts.MaxDocuments {
		return nil, notaryerr.Newf(notaryerr.KindInput, "at most %d documents per request, got %d", s.opts.MaxDocuments, len(docs))
	}
	tree, err := merkle.BuildDocuments(docs)
	if err != nil {
		return nil, err
	}
	proof, err := merkle.Prove(hashing.Leaves(tree.Documents), index)
	if err != nil {
		return nil, err
	}
	return &ProofResult{Root: tree.Root.Hex(), Proof: proof}, nil
}

// Close releases the request producer
func (s *Service) Close() {
	if err := s.requests.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close request producer")
	}
}
