package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	core "notary/gateway/service/core"
	"notary/internal/hashing"
	"notary/internal/notaryerr"
)

// NotaryHandler serves the notary REST API
type NotaryHandler struct {
	svc          *core.Service
	logger       zerolog.Logger
	maxBodyBytes int64
}

// NewNotaryHandler creates a new NotaryHandler
func NewNotaryHandler(s *core.Service, maxBodyBytes int64, l zerolog.Logger) *NotaryHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	return &NotaryHandler{svc: s, logger: l.With().Str("component", "http").Logger(), maxBodyBytes: maxBodyBytes}
}

type documentPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func toDocuments(in []documentPayload) []hashing.Document {
	docs := make([]hashing.Document, len(in))
	for i, d := range in {
		docs[i] = hashing.Document{Title: d.Title, Content: d.Content}
	}
	return docs
}

// HashDocuments handles POST /api/v1/documents/hash
func (h *NotaryHandler) HashDocuments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID              string            `json:"run_id"`
		Documents          []documentPayload `json:"documents"`
		Metadata           map[string]any    `json:"metadata"`
		Network            string            `json:"network"`
		IncludeAuditCommit bool              `json:"include_audit_commit"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.HashDocuments(r.Context(), &core.HashInput{
		RunID:              req.RunID,
		Documents:          toDocuments(req.Documents),
		Metadata:           req.Metadata,
		Network:            req.Network,
		IncludeAuditCommit: req.IncludeAuditCommit,
	})
	if err != nil {
		h.respondServiceError(w, err, nil)
		return
	}

	docs := make([]map[string]interface{}, len(result.Documents))
	for i, d := range result.Documents {
		docs[i] = map[string]interface{}{
			"index":           d.Index,
			"title":           d.Title,
			"hash":            d.Hash,
			"content_length":  d.ContentLength,
			"content_preview": d.ContentPreview,
		}
	}
	estimate := map[string]interface{}{
		"note": "advisory only; actual gas used is recorded on confirmation",
	}
	if result.GasEstimate != nil {
		estimate["notary"] = result.GasEstimate.Notary
		estimate["commit"] = result.GasEstimate.Commit
		estimate["total"] = result.GasEstimate.Total
		estimate["network"] = result.Network.Key
	} else {
		estimate["note"] = "pass a network to receive a cost estimate"
	}

	h.respondJSON(w, map[string]interface{}{
		"run_id":           result.RunID,
		"merkle_root":      result.MerkleRoot,
		"audit_commitment": result.AuditCommitment,
		"documents":        docs,
		"total_documents":  len(docs),
		"gas_estimate":     estimate,
	}, http.StatusOK)
}

// Proof handles POST /api/v1/documents/proof
func (h *NotaryHandler) Proof(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Documents []documentPayload `json:"documents"`
		Index     int               `json:"index"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.svc.Proof(r.Context(), toDocuments(req.Documents), req.Index)
	if err != nil {
		h.respondServiceError(w, err, nil)
		return
	}
	h.respondJSON(w, map[string]interface{}{
		"merkle_root": result.Root,
		"proof":       result.Proof,
	}, http.StatusOK)
}

// Notarize handles POST /api/v1/subnet/notarize. It answers 200 once the record
// is terminal, 202 while it is still pending or when the request was queued.
func (h *NotaryHandler) Notarize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID              string `json:"run_id"`
		Network            string `json:"network"`
		IncludeAuditCommit bool   `json:"include_audit_commit"`
		Async              bool   `json:"async"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.RunID == "" {
		h.respondError(w, "run_id is required", notaryerr.KindInput, http.StatusBadRequest, nil)
		return
	}

	result, err := h.svc.Notarize(r.Context(), &core.NotarizeInput{
		RunID:              req.RunID,
		Network:            req.Network,
		IncludeAuditCommit: req.IncludeAuditCommit,
		Async:              req.Async,
	})
	h.respondNotarize(w, result, err)
}

// RegisterRelease handles POST /api/v1/register-release
func (h *NotaryHandler) RegisterRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version      string `json:"version"`
		SourceHash   string `json:"source_hash"`
		ArtifactHash string `json:"artifact_hash"`
		Network      string `json:"network"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.svc.RegisterRelease(r.Context(), &core.ReleaseInput{
		Version:      req.Version,
		SourceHash:   req.SourceHash,
		ArtifactHash: req.ArtifactHash,
		Network:      req.Network,
	})
	h.respondNotarize(w, result, err)
}

func (h *NotaryHandler) respondNotarize(w http.ResponseWriter, result *core.NotarizeResult, err error) {
	if err != nil {
		var rec *recordResponse
		if result != nil && result.Record != nil {
			rec = newRecordResponse(result.Record, result.Network)
		}
		h.respondServiceError(w, err, rec)
		return
	}
	if result.RequestID != "" {
		h.respondJSON(w, map[string]interface{}{
			"request_id": result.RequestID,
			"network":    result.Network.Key,
			"status":     "ACCEPTED",
		}, http.StatusAccepted)
		return
	}
	code := http.StatusOK
	if !result.Final {
		code = http.StatusAccepted
	}
	h.respondJSON(w, newRecordResponse(result.Record, result.Network), code)
}

// Status handles GET /api/v1/subnet/notary/{run_id}
func (h *NotaryHandler) Status(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	rec, net, err := h.svc.Status(r.Context(), runID, r.URL.Query().Get("network"))
	if err != nil {
		h.respondServiceError(w, err, nil)
		return
	}
	h.respondJSON(w, newRecordResponse(rec, net), http.StatusOK)
}

// History handles GET /api/v1/subnet/notary/{run_id}/history
func (h *NotaryHandler) History(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	recs, err := h.svc.History(r.Context(), runID, r.URL.Query().Get("network"))
	if err != nil {
		h.respondServiceError(w, err, nil)
		return
	}
	out := make([]*recordResponse, 0, len(recs))
	for _, rec := range recs {
		net, _ := h.svc.NetworkByChainID(rec.ChainID)
		out = append(out, newRecordResponse(rec, net))
	}
	h.respondJSON(w, map[string]interface{}{
		"run_id":   runID,
		"attempts": out,
	}, http.StatusOK)
}

// Attempt handles GET /api/v1/subnet/notary/{run_id}/attempts/{attempt}
func (h *NotaryHandler) Attempt(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	attempt, err := strconv.Atoi(chi.URLParam(r, "attempt"))
	if err != nil {
		h.respondServiceError(w, notaryerr.Newf(notaryerr.KindInput, "attempt %q is not a number", chi.URLParam(r, "attempt")), nil)
		return
	}
	rec, net, err := h.svc.Attempt(r.Context(), runID, r.URL.Query().Get("network"), attempt)
	if err != nil {
		h.respondServiceError(w, err, nil)
		return
	}
	h.respondJSON(w, newRecordResponse(rec, net), http.StatusOK)
}

// Audit handles GET /api/v1/subnet/audit/{run_id}
func (h *NotaryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	view, err := h.svc.Audit(r.Context(), runID)
	if err != nil {
		h.respondServiceError(w, err, nil)
		return
	}
	records := make([]*recordResponse, 0, len(view.Records))
	for _, rec := range view.Records {
		net, _ := h.svc.NetworkByChainID(rec.ChainID)
		records = append(records, newRecordResponse(rec, net))
	}
	q := view.Quote
	resp := map[string]interface{}{
		"run_id":           q.RunID,
		"merkle_root":      q.MerkleRoot.Hex(),
		"leaf_count":       q.LeafCount,
		"documents":        q.Documents,
		"audit_payload":    q.AuditPayload,
		"audit_commitment": q.AuditCommitment.Hex(),
		"verified":         view.Verified,
		"records":          records,
	}
	if q.Release != nil {
		resp["release"] = q.Release
	}
	h.respondJSON(w, resp, http.StatusOK)
}

// Networks handles GET /api/v1/networks
func (h *NotaryHandler) Networks(w http.ResponseWriter, r *http.Request) {
	nets := h.svc.Networks()
	out := make([]networkResponse, len(nets))
	for i, n := range nets {
		out[i] = networkResponse{Config: n, GasPriceWei: n.GasPriceWei().String()}
	}
	h.respondJSON(w, map[string]interface{}{"networks": out}, http.StatusOK)
}

// HealthCheck handles GET /health requests
func (h *NotaryHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"service":   "notary-gateway",
	}
	h.respondJSON(w, resp, http.StatusOK)
}

// decode enforces the content type and body limit and parses JSON into dst.
// Numbers inside free-form fields stay json.Number so audit metadata is exact.
func (h *NotaryHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		h.respondError(w, "Content-Type must be application/json", notaryerr.KindInput, http.StatusBadRequest, nil)
		return false
	}
	if r.ContentLength > h.maxBodyBytes {
		h.respondError(w, "Request body too large", notaryerr.KindPayloadTooLarge, http.StatusRequestEntityTooLarge, nil)
		return false
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, "Request body too large", notaryerr.KindPayloadTooLarge, http.StatusRequestEntityTooLarge, nil)
			return false
		}
		h.logger.Debug().Err(err).Msg("failed to parse JSON request")
		h.respondError(w, "Bad Request: Invalid JSON format", notaryerr.KindInput, http.StatusBadRequest, nil)
		return false
	}
	return true
}

// StatusCode maps an error to the HTTP status returned for it
func StatusCode(err error) int {
	switch notaryerr.KindOf(err) {
	case notaryerr.KindInput, notaryerr.KindEncoding, notaryerr.KindUnknownNetwork:
		return http.StatusBadRequest
	case notaryerr.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case notaryerr.KindNotFound:
		return http.StatusNotFound
	case notaryerr.KindNetworkDeprecated, notaryerr.KindNetworkMaintenance, notaryerr.KindConflict:
		return http.StatusConflict
	case notaryerr.KindSubmissionRejected:
		return http.StatusUnprocessableEntity
	case notaryerr.KindNetworkUnavailable:
		return http.StatusServiceUnavailable
	case notaryerr.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *NotaryHandler) respondServiceError(w http.ResponseWriter, err error, rec *recordResponse) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", code).Msg("service layer processing failed")
	}
	h.respondError(w, err.Error(), notaryerr.KindOf(err), code, rec)
}

// respondJSON sends JSON response
func (h *NotaryHandler) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// respondError sends error response
func (h *NotaryHandler) respondError(w http.ResponseWriter, message string, kind notaryerr.Kind, statusCode int, rec *recordResponse) {
	errorResp := map[string]interface{}{
		"error":   message,
		"status":  statusCode,
		"message": http.StatusText(statusCode),
	}
	if kind != "" {
		errorResp["kind"] = kind
	}
	if rec != nil {
		errorResp["record"] = rec
	}
	h.respondJSON(w, errorResp, statusCode)
}
