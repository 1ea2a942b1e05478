// Package notary drives notarizations from a hashed document set to a confirmed
// on-chain record.
//
// Every attempt moves through quoted, submitted and pending before it ends confirmed,
// failed or rejected_before_inclusion. Each transition is written to the store before
// anything else happens, so a restarted process resumes from the last persisted state.
// Work on one (run_id, chain_id) key is serialized; unrelated keys run in parallel.
package notary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	blockchain "notary/blockchain/client"
	"notary/blockchain/types"
	"notary/config"
	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/merkle"
	"notary/internal/metrics"
	"notary/internal/models"
	"notary/internal/network"
	"notary/internal/notaryerr"
	"notary/storage/store"
)

// MaxRunIDLength bounds caller-chosen run ids.
const MaxRunIDLength = 128

// EventSink receives one event per record transition.
type EventSink interface {
	Emit(ev *models.NotarizationEvent)
}

// NoopSink discards events.
type NoopSink struct{}

func (NoopSink) Emit(*models.NotarizationEvent) {}

// Config holds the retry and confirmation settings.
type Config struct {
	RetryLimit           int
	RetryInterval        time.Duration
	MaxRetryInterval     time.Duration
	PollInterval         time.Duration
	ConfirmationWindow   time.Duration
	MaxAuditPayloadBytes int
}

// ConfigFrom copies the orchestrator settings out of the blockchain config.
func ConfigFrom(bc *config.BlockchainConfig) Config {
	return Config{
		RetryLimit:           bc.RetryLimit,
		RetryInterval:        bc.RetryInterval,
		MaxRetryInterval:     bc.MaxRetryInterval,
		PollInterval:         bc.PollInterval,
		ConfirmationWindow:   bc.ConfirmationWindow,
		MaxAuditPayloadBytes: bc.MaxAuditPayloadBytes,
	}
}

// Orchestrator is the single writer of notarization records.
type Orchestrator struct {
	cfg       Config
	registry  *network.Registry
	estimator *gas.Estimator
	store     store.Store
	clients   map[network.Key]blockchain.ChainClient
	events    EventSink
	metrics   metrics.Collector
	logger    zerolog.Logger

	locks *keyLocks
	now   func() time.Time
}

// New wires an orchestrator. clients must hold one entry per network that accepts
// submissions; a nil events or collector falls back to a no-op.
func New(cfg Config, registry *network.Registry, st store.Store, clients map[network.Key]blockchain.ChainClient,
	events EventSink, collector metrics.Collector, logger zerolog.Logger) *Orchestrator {
	if events == nil {
		events = NoopSink{}
	}
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmationWindow <= 0 {
		cfg.ConfirmationWindow = 10 * time.Minute
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		estimator: gas.NewEstimator(),
		store:     st,
		clients:   clients,
		events:    events,
		metrics:   collector,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		locks:     newKeyLocks(),
		now:       time.Now,
	}
}

// Registry exposes the network registry the orchestrator was built with.
func (o *Orchestrator) Registry() *network.Registry { return o.registry }

// Estimator exposes the cost estimator.
func (o *Orchestrator) Estimator() *gas.Estimator { return o.estimator }

// QuoteRequest is the input of Quote. Network is optional and only selects the cost preview.
type QuoteRequest struct {
	RunID              string
	Documents          []hashing.Document
	Metadata           map[string]any
	Network            string
	IncludeAuditCommit bool
}

// QuoteResult is a persisted quote plus the optional cost preview.
type QuoteResult struct {
	Quote   *store.Quote
	Network *network.Config
	Cost    *gas.Quote
}

// Quote hashes the documents, builds the tree and the audit payload and stores the
// result under the run id. A missing run id is generated.
func (o *Orchestrator) Quote(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	if len(req.Documents) == 0 {
		return nil, notaryerr.ErrEmptyInput
	}

	var net *network.Config
	if req.Network != "" {
		n, err := o.registry.Resolve(req.Network)
		if err != nil {
			return nil, err
		}
		net = n
	}

	digests, err := hashing.HashDocuments(req.Documents)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.Build(digests)
	if err != nil {
		return nil, err
	}
	payload, commitment, err := BuildAuditPayload(runID, tree, req.Metadata, o.cfg.MaxAuditPayloadBytes)
	if err != nil {
		return nil, err
	}

	q := &store.Quote{
		RunID:           runID,
		Operation:       gas.OpNotarize,
		MerkleRoot:      tree.Root,
		LeafCount:       tree.LeafCount,
		Documents:       tree.Documents,
		AuditPayload:    payload,
		AuditCommitment: commitment,
		CreatedAt:       o.now().UTC(),
	}
	if err := o.store.PutQuote(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to store quote: %w", err)
	}
	o.logger.Info().Str("run_id", runID).Str("merkle_root", tree.Root.Hex()).Int("leaf_count", tree.LeafCount).Msg("quote stored")

	res := &QuoteResult{Quote: q, Network: net}
	if net != nil {
		if net.Status != network.StatusActive {
			o.logger.Warn().Str("network", string(net.Key)).Str("status", string(net.Status)).Msg("cost preview for a network that does not accept submissions")
		}
		cost, err := o.estimator.Quote(net, req.IncludeAuditCommit)
		if err != nil {
			return nil, err
		}
		res.Cost = cost
	}
	return res, nil
}

func validateRunID(runID string) error {
	if len(runID) > MaxRunIDLength {
		return notaryerr.Newf(notaryerr.KindInput, "run_id is longer than %d bytes", MaxRunIDLength)
	}
	for _, r := range runID {
		if r < 0x21 || r == 0x7f {
			return notaryerr.New(notaryerr.KindInput, "run_id must not contain whitespace or control characters")
		}
	}
	return nil
}

// NotarizeRequest selects a quoted run and the network to notarize it on. Network
// is required; there is no default.
type NotarizeRequest struct {
	RunID              string
	Network            string
	IncludeAuditCommit bool
}

// Notarize submits the latest quote of a run. It returns once the transaction is
// pending or the attempt has ended. Resubmitting a root that any attempt confirmed,
// or that is still in flight, returns that record without touching the chain.
//
// When the attempt ends in failed or rejected_before_inclusion the record is
// returned together with its failure.
func (o *Orchestrator) Notarize(ctx context.Context, req NotarizeRequest) (*store.Record, error) {
	if req.RunID == "" {
		return nil, notaryerr.New(notaryerr.KindInput, "run_id is required")
	}
	if req.Network == "" {
		return nil, notaryerr.New(notaryerr.KindUnknownNetwork, "network is required")
	}
	key, err := network.ParseKey(req.Network)
	if err != nil {
		return nil, err
	}
	net, err := o.registry.CheckSubmittable(key)
	if err != nil {
		return nil, err
	}
	client, ok := o.clients[net.Key]
	if !ok {
		return nil, notaryerr.Newf(notaryerr.KindNetworkUnavailable, "no client available for network %s", net.Key)
	}
	quote, err := o.store.GetQuote(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	var out *store.Record
	err = o.withKey(ctx, req.RunID, net.ChainID, func(ctx context.Context) error {
		rec, err := o.submitLocked(ctx, net, client, quote, req.IncludeAuditCommit)
		out = rec
		return err
	})
	return out, err
}

func (o *Orchestrator) withKey(ctx context.Context, runID string, chainID uint64, fn func(ctx context.Context) error) error {
	unlock, err := o.locks.lock(ctx, runID+"@"+fmt.Sprint(chainID))
	if err != nil {
		return err
	}
	defer unlock()
	return o.store.WithLock(ctx, runID, chainID, fn)
}

func (o *Orchestrator) submitLocked(ctx context.Context, net *network.Config, client blockchain.ChainClient, quote *store.Quote, includeAudit bool) (*store.Record, error) {
	l := o.logger.With().Str("run_id", quote.RunID).Str("network", string(net.Key)).Logger()

	attempt := 1
	existing, err := o.store.Get(ctx, quote.RunID, net.ChainID)
	switch {
	case errors.Is(err, notaryerr.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		sameRoot := existing.MerkleRoot == quote.MerkleRoot
		if sameRoot && (existing.Status == store.StatusConfirmed || !existing.Status.Terminal()) {
			l.Info().Int("attempt", existing.Attempt).Str("status", string(existing.Status)).Msg("root already notarized or in flight, returning existing record")
			return existing, nil
		}
		prior, err := o.confirmedAttempt(ctx, quote.RunID, net.ChainID, quote.MerkleRoot)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			l.Info().Int("attempt", prior.Attempt).Str("tx_hash", prior.TxHash).Msg("root confirmed by an earlier attempt, returning it")
			return prior, nil
		}
		if !existing.Status.Terminal() {
			return existing, notaryerr.Newf(notaryerr.KindConflict,
				"attempt %d for a different root is still %s", existing.Attempt, existing.Status)
		}
		attempt = existing.Attempt + 1
	}

	call, op, contract := buildCall(net, quote, includeAudit)
	estimate, err := o.estimator.Estimate(op, net, payloadSize(op, quote))
	if err != nil {
		return nil, err
	}
	call.GasLimit = estimate.GasLimit

	rec := &store.Record{
		RunID:               quote.RunID,
		ChainID:             net.ChainID,
		Attempt:             attempt,
		NetworkKey:          string(net.Key),
		Operation:           op,
		MerkleRoot:          quote.MerkleRoot,
		ContractAddress:     contract,
		AuditCommitIncluded: op == gas.OpCommitAudit,
		PayloadSize:         estimate.EstimatedPayloadSize,
		Status:              store.StatusQuoted,
		Estimate:            estimate,
		CreatedAt:           o.now().UTC(),
	}
	if err := o.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	o.emit(rec, "")
	l.Info().Int("attempt", attempt).Str("operation", string(op)).Str("estimate", estimate.String()).Msg("notarization quoted")

	var tx *types.SignedTx
	err = o.withRetry(ctx, net, "prepare", func(ctx context.Context) error {
		t, err := client.Prepare(ctx, call)
		tx = t
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		return o.fail(ctx, rec, store.StatusFailed, err)
	}

	submittedAt := o.now().UTC()
	rec.TxHash = tx.Hash
	rec.RawTx = tx.Raw
	rec.PayloadSize = tx.PayloadSize
	rec.SubmittedAt = &submittedAt
	if err := o.transition(ctx, rec, store.StatusSubmitted); err != nil {
		return rec, err
	}
	l.Info().Str("tx_hash", tx.Hash).Int("payload_size", tx.PayloadSize).Uint64("gas_limit", tx.GasLimit).Msg("transaction signed")

	err = o.withRetry(ctx, net, "broadcast", func(ctx context.Context) error {
		return client.Broadcast(ctx, tx)
	})
	if err != nil {
		if ctx.Err() != nil {
			// the node may or may not have it; Step re-broadcasts it from the stored form
			return rec, ctx.Err()
		}
		client.Abandon(tx.Hash)
		switch notaryerr.KindOf(err) {
		case notaryerr.KindSubmissionRejected:
			return o.fail(ctx, rec, store.StatusRejectedBeforeInclusion, err)
		default:
			return o.fail(ctx, rec, store.StatusFailed, err)
		}
	}

	if err := o.transition(ctx, rec, store.StatusPending); err != nil {
		return rec, err
	}
	l.Info().Str("tx_hash", tx.Hash).Msg("transaction pending")
	return rec, nil
}

// confirmedAttempt returns the earliest confirmed attempt that notarized root, or
// nil when none did.
func (o *Orchestrator) confirmedAttempt(ctx context.Context, runID string, chainID uint64, root common.Hash) (*store.Record, error) {
	history, err := o.store.History(ctx, runID, chainID)
	if err != nil {
		return nil, err
	}
	for _, rec := range history {
		if rec.Status == store.StatusConfirmed && rec.MerkleRoot == root {
			return rec, nil
		}
	}
	return nil, nil
}

func buildCall(net *network.Config, q *store.Quote, includeAudit bool) (types.Call, gas.Operation, string) {
	call := types.Call{RunID: q.RunID, MerkleRoot: q.MerkleRoot}
	switch {
	case q.Operation == gas.OpRegisterRelease && q.Release != nil:
		call.Method = types.MethodRegisterRelease
		call.Contract = net.Contracts.ReleaseRegistry
		call.Release = &types.ReleaseCall{
			Version:      q.Release.Version,
			SourceHash:   q.Release.SourceHash,
			ArtifactHash: q.Release.ArtifactHash,
		}
		return call, gas.OpRegisterRelease, call.Contract
	case includeAudit:
		call.Method = types.MethodCommitAudit
		call.Contract = net.Contracts.AuditCommitStore
		call.AuditCommitment = q.AuditCommitment
		call.LeafCount = uint32(q.LeafCount)
		return call, gas.OpCommitAudit, call.Contract
	default:
		call.Method = types.MethodNotarize
		call.Contract = net.Contracts.Notary
		return call, gas.OpNotarize, call.Contract
	}
}

func payloadSize(op gas.Operation, q *store.Quote) int {
	if op == gas.OpRegisterRelease && q.Release != nil {
		return gas.ReleasePayloadSize(q.Release.Version)
	}
	return 0
}

// withRetry calls fn at most RetryLimit times in total, backing off exponentially
// while it fails with network_unavailable. Any other error ends the loop immediately.
func (o *Orchestrator) withRetry(ctx context.Context, net *network.Config, op string, fn func(ctx context.Context) error) error {
	retries := o.cfg.RetryLimit - 1
	if retries < 0 {
		retries = 0
	}
	b := retry.NewExponential(o.cfg.RetryInterval)
	b = retry.WithCappedDuration(o.cfg.MaxRetryInterval, b)
	b = retry.WithMaxRetries(uint64(retries), b)

	tries := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if kind := notaryerr.KindOf(err); kind != "" {
			o.metrics.RPCError(string(net.Key), string(kind))
		}
		if notaryerr.Retryable(err) {
			o.logger.Warn().Err(err).Str("network", string(net.Key)).Str("op", op).Int("try", tries).Msg("transient chain error, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

// fail records a terminal failure and returns the record with the failure.
func (o *Orchestrator) fail(ctx context.Context, rec *store.Record, status store.Status, cause error) (*store.Record, error) {
	if err := o.end(ctx, rec, status, cause); err != nil {
		return rec, err
	}
	return rec, rec.Failure()
}

// end moves rec to a terminal status with cause as its failure.
func (o *Orchestrator) end(ctx context.Context, rec *store.Record, status store.Status, cause error) error {
	kind := notaryerr.KindOf(cause)
	if kind == "" {
		kind = notaryerr.KindNetworkUnavailable
	}
	rec.FailureKind = kind
	rec.FailureReason = cause.Error()
	if err := o.transition(ctx, rec, status); err != nil {
		return err
	}
	o.logger.Warn().Str("run_id", rec.RunID).Str("network", rec.NetworkKey).Int("attempt", rec.Attempt).
		Str("status", string(status)).Str("failure_kind", string(kind)).Str("reason", rec.FailureReason).Msg("notarization attempt ended")
	return nil
}

// transition moves rec to status to and persists it. On a failed write rec keeps
// its previous status.
func (o *Orchestrator) transition(ctx context.Context, rec *store.Record, to store.Status) error {
	from := rec.Status
	rec.Status = to
	if err := o.store.Update(ctx, rec); err != nil {
		rec.Status = from
		return fmt.Errorf("failed to persist %s -> %s for run %s: %w", from, to, rec.RunID, err)
	}
	o.emit(rec, from)
	return nil
}

func (o *Orchestrator) emit(rec *store.Record, from store.Status) {
	o.metrics.RecordTransition(rec.NetworkKey, string(rec.Status))
	o.events.Emit(&models.NotarizationEvent{
		EventID:           uuid.NewString(),
		RunID:             rec.RunID,
		ChainID:           rec.ChainID,
		Network:           rec.NetworkKey,
		Attempt:           rec.Attempt,
		Operation:         string(rec.Operation),
		From:              string(from),
		Status:            string(rec.Status),
		MerkleRoot:        rec.MerkleRoot.Hex(),
		TxHash:            rec.TxHash,
		BlockNumber:       rec.BlockNumber,
		ConfirmationCount: rec.ConfirmationCount,
		GasUsed:           rec.GasUsed,
		FailureKind:       string(rec.FailureKind),
		FailureReason:     rec.FailureReason,
		OccurredAt:        o.now().UTC(),
	})
}
