package notary

import (
	"context"
	"errors"

	"notary/internal/network"
	"notary/internal/notaryerr"
	"notary/storage/store"
)

// Status returns the latest attempt for a run. With an empty network the most
// recently updated record across all chains is returned. Network status is not
// consulted, so deprecated networks stay readable.
func (o *Orchestrator) Status(ctx context.Context, runID, networkKey string) (*store.Record, error) {
	if networkKey == "" {
		recs, err := o.store.ListByRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, notaryerr.Newf(notaryerr.KindNotFound, "no notarization for run %q", runID)
		}
		return recs[0], nil
	}
	net, err := o.lookup(networkKey)
	if err != nil {
		return nil, err
	}
	return o.store.Get(ctx, runID, net.ChainID)
}

// History returns every attempt for a run, oldest first per chain.
func (o *Orchestrator) History(ctx context.Context, runID, networkKey string) ([]*store.Record, error) {
	if networkKey != "" {
		net, err := o.lookup(networkKey)
		if err != nil {
			return nil, err
		}
		return o.store.History(ctx, runID, net.ChainID)
	}
	latest, err := o.store.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no notarization for run %q", runID)
	}
	var out []*store.Record
	for _, r := range latest {
		h, err := o.store.History(ctx, runID, r.ChainID)
		if err != nil {
			return nil, err
		}
		out = append(out, h...)
	}
	return out, nil
}

// Attempt returns one attempt of a run. With an empty network the chain of the most
// recently updated record is used.
func (o *Orchestrator) Attempt(ctx context.Context, runID, networkKey string, attempt int) (*store.Record, error) {
	if attempt < 1 {
		return nil, notaryerr.Newf(notaryerr.KindInput, "attempt must be at least 1, got %d", attempt)
	}
	var chainID uint64
	if networkKey == "" {
		latest, err := o.Status(ctx, runID, "")
		if err != nil {
			return nil, err
		}
		chainID = latest.ChainID
	} else {
		net, err := o.lookup(networkKey)
		if err != nil {
			return nil, err
		}
		chainID = net.ChainID
	}
	return o.store.GetAttempt(ctx, runID, chainID, attempt)
}

func (o *Orchestrator) lookup(networkKey string) (*network.Config, error) {
	return o.registry.Resolve(networkKey)
}

// AuditView is the audit export of a run: what was hashed, the payload bound to
// it and every chain it was notarized on.
type AuditView struct {
	Quote    *store.Quote
	Records  []*store.Record
	Verified bool // the stored payload still hashes to its commitment
}

// Audit returns the quote behind the most recent notarization of a run, or the
// latest quote when nothing was submitted yet.
func (o *Orchestrator) Audit(ctx context.Context, runID string) (*AuditView, error) {
	recs, err := o.store.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var q *store.Quote
	if len(recs) > 0 {
		q, err = o.store.GetQuoteByRoot(ctx, runID, recs[0].MerkleRoot)
		if err != nil && !errors.Is(err, notaryerr.ErrNotFound) {
			return nil, err
		}
	}
	if q == nil {
		q, err = o.store.GetQuote(ctx, runID)
		if err != nil {
			return nil, err
		}
	}
	view := &AuditView{Quote: q, Records: recs}
	if len(q.AuditPayload) > 0 {
		if err := VerifyAuditPayload(q.AuditPayload, q.AuditCommitment); err != nil {
			o.logger.Error().Err(err).Str("run_id", runID).Msg("stored audit payload does not match its commitment")
		} else {
			view.Verified = true
		}
	}
	return view, nil
}
