package http

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blockchain "notary/blockchain/client"
	"notary/blockchain/client/memchain"
	"notary/config"
	core "notary/gateway/service/core"
	"notary/internal/hashing"
	"notary/internal/metrics"
	"notary/internal/models"
	"notary/internal/network"
	"notary/internal/notary"
	"notary/internal/notaryerr"
	"notary/storage/store"
)

type capturingProducer struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (p *capturingProducer) Publish(_ context.Context, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *capturingProducer) PublishBatch(ctx context.Context, msgs []models.Message) error {
	for _, m := range msgs {
		_ = p.Publish(ctx, m)
	}
	return nil
}

func (p *capturingProducer) Close() error { return nil }

type testServer struct {
	router   http.Handler
	chain    *memchain.Chain
	requests *capturingProducer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	contracts := config.ContractsConfig{
		Notary:           "0x3000000000000000000000000000000000000001",
		AuditCommitStore: "0x3000000000000000000000000000000000000002",
		ReleaseRegistry:  "0x3000000000000000000000000000000000000003",
	}
	registry, err := network.NewRegistry([]config.NetworkConfig{
		{Key: "local", ChainID: 1337, ClientType: "memchain", RPCEndpoint: "mem://local", Status: "active",
			GasPriceWei: "2", ConfirmationThreshold: 1, ExplorerURL: "http://explorer.local", Contracts: contracts},
		{Key: "subnet", ChainID: 43113001, ClientType: "evm", Status: "deprecated", GasPriceWei: "0"},
	})
	require.NoError(t, err)

	chain := memchain.New(1337, memchain.WithGasPrice(big.NewInt(2)))
	orch := notary.New(notary.Config{
		RetryLimit:           2,
		RetryInterval:        time.Millisecond,
		MaxRetryInterval:     2 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		ConfirmationWindow:   time.Minute,
		MaxAuditPayloadBytes: 64 * 1024,
	}, registry, store.NewMemoryStore(), map[network.Key]blockchain.ChainClient{network.Local: chain},
		nil, metrics.NewNoopCollector(), zerolog.Nop())

	requests := &capturingProducer{}
	svc := core.NewService(orch, requests, core.Options{
		NotarizeWait: 2 * time.Second,
		MaxDocuments: 4,
		AsyncEnabled: true,
	}, zerolog.Nop())
	h := NewNotaryHandler(svc, 4096, zerolog.Nop())
	return &testServer{
		router:   NewRouter(h, RouterOptions{HealthPath: "/health"}),
		chain:    chain,
		requests: requests,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	var out map[string]interface{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func hashBody(runID string) map[string]interface{} {
	return map[string]interface{}{
		"run_id": runID,
		"documents": []map[string]string{
			{"title": "A", "content": "foo"},
			{"title": "B", "content": "bar"},
		},
		"metadata": map[string]interface{}{"model": "m1", "temperature": 0.2},
	}
}

func TestHashDocuments(t *testing.T) {
	s := newTestServer(t)

	rr, out := s.do(t, http.MethodPost, "/api/v1/documents/hash", hashBody("run-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "run-1", out["run_id"])
	assert.Equal(t, float64(2), out["total_documents"])
	assert.NotEmpty(t, out["merkle_root"])
	assert.NotEmpty(t, out["audit_commitment"])

	docs := out["documents"].([]interface{})
	first := docs[0].(map[string]interface{})
	foo, _ := hashing.HashContent("foo")
	assert.Equal(t, foo.Hex(), first["hash"])
	assert.Equal(t, "foo", first["content_preview"])

	estimate := out["gas_estimate"].(map[string]interface{})
	assert.NotContains(t, estimate, "notary")
	assert.NotEmpty(t, estimate["note"])
}

func TestHashDocumentsWithCostPreview(t *testing.T) {
	s := newTestServer(t)

	body := hashBody("run-cost")
	body["network"] = "local"
	body["include_audit_commit"] = true
	rr, out := s.do(t, http.MethodPost, "/api/v1/documents/hash", body)
	require.Equal(t, http.StatusOK, rr.Code)

	estimate := out["gas_estimate"].(map[string]interface{})
	assert.Equal(t, "local", estimate["network"])
	assert.NotNil(t, estimate["notary"])
	assert.NotNil(t, estimate["commit"])
	total := estimate["total"].(map[string]interface{})
	assert.NotEmpty(t, total["cost_wei"])
}

func TestHashDocumentsRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	rr, out := s.do(t, http.MethodPost, "/api/v1/documents/hash", map[string]interface{}{"documents": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(notaryerr.KindInput), out["kind"])

	many := make([]map[string]string, 5)
	for i := range many {
		many[i] = map[string]string{"title": "t", "content": "c"}
	}
	rr, _ = s.do(t, http.MethodPost, "/api/v1/documents/hash", map[string]interface{}{"documents": many})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/hash", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/documents/hash", bytes.NewBufferString(`{"documents":`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBodyLimit(t *testing.T) {
	s := newTestServer(t)

	oversized := map[string]interface{}{
		"documents": []map[string]string{{"title": "A", "content": string(bytes.Repeat([]byte("x"), 8192))}},
	}
	rr, out := s.do(t, http.MethodPost, "/api/v1/documents/hash", oversized)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, string(notaryerr.KindPayloadTooLarge), out["kind"])
}

func TestNotarizeAndStatus(t *testing.T) {
	s := newTestServer(t)

	rr, hashed := s.do(t, http.MethodPost, "/api/v1/documents/hash", hashBody("run-2"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr, out := s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{
		"run_id":  "run-2",
		"network": "local",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "confirmed", out["status"])
	assert.Equal(t, hashed["merkle_root"], out["merkle_root"])
	assert.Equal(t, float64(1337), out["network_id"])
	assert.Equal(t, "notarize", out["operation"])
	assert.NotEmpty(t, out["tx_hash"])
	assert.Contains(t, out["explorer_url"], "http://explorer.local/tx/")
	assert.NotEmpty(t, out["actual_cost_wei"])

	rr, status := s.do(t, http.MethodGet, "/api/v1/subnet/notary/run-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, out["tx_hash"], status["tx_hash"])
	assert.Equal(t, "confirmed", status["status"])

	rr, _ = s.do(t, http.MethodGet, "/api/v1/subnet/notary/run-2?network=local", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, history := s.do(t, http.MethodGet, "/api/v1/subnet/notary/run-2/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, history["attempts"], 1)

	// a second submission of the same root returns the confirmed record
	rr, again := s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{
		"run_id":  "run-2",
		"network": "local",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, out["tx_hash"], again["tx_hash"])
	assert.Equal(t, 1, s.chain.TxCount())
}

func TestNotarizeErrors(t *testing.T) {
	s := newTestServer(t)
	rr, _ := s.do(t, http.MethodPost, "/api/v1/documents/hash", hashBody("run-3"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr, out := s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{"network": "local"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(notaryerr.KindInput), out["kind"])

	rr, out = s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{"run_id": "run-3", "network": "mainnet"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(notaryerr.KindUnknownNetwork), out["kind"])

	rr, out = s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{"run_id": "run-3", "network": "subnet"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(notaryerr.KindNetworkDeprecated), out["kind"])

	rr, out = s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{"run_id": "missing", "network": "local"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, string(notaryerr.KindNotFound), out["kind"])

	s.chain.RevertNext(1)
	rr, out = s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{"run_id": "run-3", "network": "local"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, string(notaryerr.KindSubmissionRejected), out["kind"])
	rec := out["record"].(map[string]interface{})
	assert.Equal(t, "failed", rec["status"])
	assert.Equal(t, float64(1), rec["attempt"])
}

func TestNotarizeAsync(t *testing.T) {
	s := newTestServer(t)

	rr, out := s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{
		"run_id":  "run-async",
		"network": "local",
		"async":   true,
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "ACCEPTED", out["status"])
	assert.NotEmpty(t, out["request_id"])

	require.Len(t, s.requests.msgs, 1)
	req := s.requests.msgs[0].(*models.NotarizeRequest)
	assert.Equal(t, "run-async", req.RunID)
	assert.Equal(t, "local", req.Network)
	assert.Equal(t, 0, s.chain.TxCount())
}

func TestAttemptLookup(t *testing.T) {
	s := newTestServer(t)
	rr, _ := s.do(t, http.MethodPost, "/api/v1/documents/hash", hashBody("run-5"))
	require.Equal(t, http.StatusOK, rr.Code)

	s.chain.RevertNext(1)
	rr, _ = s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{"run_id": "run-5", "network": "local"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	rr, second := s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{"run_id": "run-5", "network": "local"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, first := s.do(t, http.MethodGet, "/api/v1/subnet/notary/run-5/attempts/1?network=local", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "failed", first["status"])
	assert.Equal(t, float64(1), first["attempt"])

	rr, got := s.do(t, http.MethodGet, "/api/v1/subnet/notary/run-5/attempts/2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, second["tx_hash"], got["tx_hash"])
	assert.Equal(t, "confirmed", got["status"])

	rr, _ = s.do(t, http.MethodGet, "/api/v1/subnet/notary/run-5/attempts/3", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr, out := s.do(t, http.MethodGet, "/api/v1/subnet/notary/run-5/attempts/first", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(notaryerr.KindInput), out["kind"])
}

func TestStatusNotFound(t *testing.T) {
	s := newTestServer(t)

	rr, out := s.do(t, http.MethodGet, "/api/v1/subnet/notary/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, string(notaryerr.KindNotFound), out["kind"])

	rr, _ = s.do(t, http.MethodGet, "/api/v1/subnet/notary/nope?network=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuditExport(t *testing.T) {
	s := newTestServer(t)
	body := hashBody("run-audit")
	rr, _ := s.do(t, http.MethodPost, "/api/v1/documents/hash", body)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = s.do(t, http.MethodPost, "/api/v1/subnet/notarize", map[string]interface{}{
		"run_id":               "run-audit",
		"network":              "local",
		"include_audit_commit": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, out := s.do(t, http.MethodGet, "/api/v1/subnet/audit/run-audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, out["verified"])
	assert.Equal(t, float64(2), out["leaf_count"])
	records := out["records"].([]interface{})
	require.Len(t, records, 1)
	rec := records[0].(map[string]interface{})
	assert.Equal(t, "commit_audit", rec["operation"])
	assert.Equal(t, true, rec["audit_commit_included"])
}

func TestRegisterRelease(t *testing.T) {
	s := newTestServer(t)
	src, _ := hashing.HashContent("source tree")
	art, _ := hashing.HashContent("artifact")

	rr, out := s.do(t, http.MethodPost, "/api/v1/register-release", map[string]interface{}{
		"version":       "v1.2.0",
		"source_hash":   src.Hex(),
		"artifact_hash": art.Hex(),
		"network":       "local",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "register_release", out["operation"])
	assert.Equal(t, "confirmed", out["status"])
	_, ok := s.chain.ReleaseOf("v1.2.0")
	assert.True(t, ok)

	rr, _ = s.do(t, http.MethodPost, "/api/v1/register-release", map[string]interface{}{
		"version":       "v1.2.1",
		"source_hash":   "not-hex",
		"artifact_hash": art.Hex(),
		"network":       "local",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProof(t *testing.T) {
	s := newTestServer(t)
	body := map[string]interface{}{
		"documents": []map[string]string{
			{"title": "A", "content": "foo"},
			{"title": "B", "content": "bar"},
			{"title": "C", "content": "baz"},
		},
		"index": 2,
	}
	rr, out := s.do(t, http.MethodPost, "/api/v1/documents/proof", body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, out["merkle_root"])
	assert.NotNil(t, out["proof"])

	body["index"] = 3
	rr, _ = s.do(t, http.MethodPost, "/api/v1/documents/proof", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestNetworksAndHealth(t *testing.T) {
	s := newTestServer(t)

	rr, out := s.do(t, http.MethodGet, "/api/v1/networks", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	nets := out["networks"].([]interface{})
	require.Len(t, nets, 2)
	for _, n := range nets {
		m := n.(map[string]interface{})
		assert.NotContains(t, m, "rpc_endpoint")
		assert.Contains(t, m, "gas_price_wei")
		assert.Contains(t, m, "status")
	}

	rr, out = s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", out["status"])
}

func TestStatusCodeMapping(t *testing.T) {
	cases := map[notaryerr.Kind]int{
		notaryerr.KindInput:               http.StatusBadRequest,
		notaryerr.KindEncoding:            http.StatusBadRequest,
		notaryerr.KindUnknownNetwork:      http.StatusBadRequest,
		notaryerr.KindPayloadTooLarge:     http.StatusRequestEntityTooLarge,
		notaryerr.KindNotFound:            http.StatusNotFound,
		notaryerr.KindNetworkDeprecated:   http.StatusConflict,
		notaryerr.KindNetworkMaintenance:  http.StatusConflict,
		notaryerr.KindConflict:            http.StatusConflict,
		notaryerr.KindSubmissionRejected:  http.StatusUnprocessableEntity,
		notaryerr.KindNetworkUnavailable:  http.StatusServiceUnavailable,
		notaryerr.KindConfirmationTimeout: http.StatusGatewayTimeout,
	}
	for kind, code := range cases {
		assert.Equal(t, code, StatusCode(notaryerr.New(kind, "x")), kind)
	}
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(assert.AnError))
}
