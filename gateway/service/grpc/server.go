package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	core "notary/gateway/service/core"
	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/notaryerr"
)

// Server implements NotaryServiceServer on top of the core service
type Server struct {
	svc    *core.Service
	logger zerolog.Logger
}

// NewServer creates a new gRPC Server instance
func NewServer(s *core.Service, l zerolog.Logger) *Server {
	return &Server{svc: s, logger: l.With().Str("component", "grpc").Logger()}
}

var _ NotaryServiceServer = (*Server)(nil)

// HashDocuments hashes an ordered document list and stores the quote.
// Request fields: run_id, network, include_audit_commit, metadata and
// documents (a list of {title, content}).
func (s *Server) HashDocuments(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	docs, err := documentsFrom(fields["documents"])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	input := &core.HashInput{
		RunID:              stringField(fields, "run_id"),
		Documents:          docs,
		Network:            stringField(fields, "network"),
		IncludeAuditCommit: boolField(fields, "include_audit_commit"),
	}
	if meta, ok := fields["metadata"].(map[string]interface{}); ok {
		input.Metadata = meta
	}

	result, err := s.svc.HashDocuments(ctx, input)
	if err != nil {
		return nil, s.toStatus(err)
	}

	outDocs := make([]interface{}, len(result.Documents))
	for i, d := range result.Documents {
		outDocs[i] = map[string]interface{}{
			"index":           d.Index,
			"title":           d.Title,
			"hash":            d.Hash,
			"content_length":  d.ContentLength,
			"content_preview": d.ContentPreview,
		}
	}
	resp := map[string]interface{}{
		"run_id":           result.RunID,
		"merkle_root":      result.MerkleRoot,
		"audit_commitment": result.AuditCommitment,
		"documents":        outDocs,
		"total_documents":  len(outDocs),
	}
	if q := result.GasEstimate; q != nil {
		est := map[string]interface{}{
			"notary": estimateMap(q.Notary),
			"total":  estimateMap(q.Total),
		}
		if q.Commit != nil {
			est["commit"] = estimateMap(*q.Commit)
		}
		resp["gas_estimate"] = est
	}
	return structpb.NewStruct(resp)
}

// GetNotarization returns the latest record for run_id, optionally on one network
func (s *Server) GetNotarization(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	runID := stringField(fields, "run_id")
	if runID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	rec, net, err := s.svc.Status(ctx, runID, stringField(fields, "network"))
	if err != nil {
		return nil, s.toStatus(err)
	}
	resp := map[string]interface{}{
		"run_id":                rec.RunID,
		"attempt":               rec.Attempt,
		"status":                string(rec.Status),
		"operation":             string(rec.Operation),
		"merkle_root":           rec.MerkleRoot.Hex(),
		"tx_hash":               rec.TxHash,
		"block_number":          rec.BlockNumber,
		"network":               rec.NetworkKey,
		"network_id":            rec.ChainID,
		"is_private_subnet":     net.IsPrivate,
		"contract_address":      rec.ContractAddress,
		"gas_used":              rec.GasUsed,
		"confirmation_count":    rec.ConfirmationCount,
		"audit_commit_included": rec.AuditCommitIncluded,
		"created_at":            rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.FailureKind != "" {
		resp["failure_kind"] = string(rec.FailureKind)
		resp["failure_reason"] = rec.FailureReason
	}
	return structpb.NewStruct(resp)
}

func documentsFrom(v interface{}) ([]hashing.Document, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, errors.New("documents must be a list")
	}
	docs := make([]hashing.Document, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("documents[%d] must be an object", i)
		}
		docs[i] = hashing.Document{Title: stringField(m, "title"), Content: stringField(m, "content")}
	}
	return docs, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func estimateMap(e gas.CostEstimate) map[string]interface{} {
	return map[string]interface{}{
		"operation":              string(e.Operation),
		"gas_limit":              e.GasLimit,
		"gas_price_wei":          e.GasPriceWei,
		"cost_wei":               e.CostWei,
		"cost_native":            e.CostNative,
		"currency":               e.Currency,
		"estimated_payload_size": e.EstimatedPayloadSize,
	}
}

// toStatus maps error kinds to gRPC codes
func (s *Server) toStatus(err error) error {
	var code codes.Code
	switch notaryerr.KindOf(err) {
	case notaryerr.KindInput, notaryerr.KindEncoding, notaryerr.KindUnknownNetwork:
		code = codes.InvalidArgument
	case notaryerr.KindPayloadTooLarge:
		code = codes.ResourceExhausted
	case notaryerr.KindNotFound:
		code = codes.NotFound
	case notaryerr.KindNetworkDeprecated, notaryerr.KindNetworkMaintenance, notaryerr.KindSubmissionRejected:
		code = codes.FailedPrecondition
	case notaryerr.KindConflict:
		code = codes.Aborted
	case notaryerr.KindNetworkUnavailable:
		code = codes.Unavailable
	case notaryerr.KindConfirmationTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
		s.logger.Error().Err(err).Msg("service layer error")
	}
	return status.Error(code, err.Error())
}
