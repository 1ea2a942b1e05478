package notary

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	blockchain "notary/blockchain/client"
	"notary/blockchain/types"
	"notary/internal/gas"
	"notary/internal/network"
	"notary/internal/notaryerr"
	"notary/storage/store"
)

// resumeConcurrency bounds the number of records one Resume pass polls at once.
const resumeConcurrency = 8

// Step advances the latest attempt for (runID, chainID) by at most one poll. It
// never fabricates an outcome: a failed receipt lookup leaves the record as it was
// and returns the lookup error.
func (o *Orchestrator) Step(ctx context.Context, runID string, chainID uint64) (*store.Record, error) {
	net, err := o.registry.ByChainID(chainID)
	if err != nil {
		return nil, err
	}
	var out *store.Record
	err = o.withKey(ctx, runID, chainID, func(ctx context.Context) error {
		rec, err := o.store.Get(ctx, runID, chainID)
		if err != nil {
			return err
		}
		out = rec
		if rec.Status.Terminal() {
			return nil
		}
		next, err := o.stepLocked(ctx, net, rec)
		if next != nil {
			out = next
		}
		return err
	})
	return out, err
}

func (o *Orchestrator) stepLocked(ctx context.Context, net *network.Config, rec *store.Record) (*store.Record, error) {
	if rec.Status == store.StatusQuoted {
		// the process that created it stopped before a transaction was signed
		rec.FailureKind = notaryerr.KindNetworkUnavailable
		rec.FailureReason = "attempt abandoned before a transaction was signed"
		if err := o.transition(ctx, rec, store.StatusFailed); err != nil {
			return nil, err
		}
		return rec, nil
	}

	client, ok := o.clients[net.Key]
	if !ok {
		return rec, notaryerr.Newf(notaryerr.KindNetworkUnavailable, "no client available for network %s", net.Key)
	}
	rcpt, err := client.Receipt(ctx, rec.TxHash)
	if err != nil {
		if kind := notaryerr.KindOf(err); kind != "" {
			o.metrics.RPCError(string(net.Key), string(kind))
		}
		return rec, err
	}

	if !rcpt.Included && rec.Status == store.StatusSubmitted && len(rec.RawTx) > 0 {
		// the broadcast may never have reached the node
		if rcpt, err = o.rebroadcast(ctx, net, client, rec); err != nil || rec.Status.Terminal() {
			return rec, err
		}
	}
	if !rcpt.Included {
		return o.checkWindow(ctx, client, rec)
	}

	if rec.Status == store.StatusSubmitted {
		// broadcast succeeded but the pending write was lost
		if err := o.transition(ctx, rec, store.StatusPending); err != nil {
			return nil, err
		}
	}

	if rcpt.Reverted {
		rec.BlockNumber = rcpt.BlockNumber
		rec.GasUsed = rcpt.GasUsed
		reason := rcpt.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		rec.FailureKind = notaryerr.KindSubmissionRejected
		rec.FailureReason = reason
		if err := o.transition(ctx, rec, store.StatusFailed); err != nil {
			return nil, err
		}
		o.logger.Warn().Str("run_id", rec.RunID).Str("tx_hash", rec.TxHash).Str("reason", reason).Msg("transaction reverted")
		return rec, nil
	}

	if rcpt.Confirmations >= net.ConfirmationThreshold {
		return o.confirm(ctx, net, rec, rcpt)
	}

	switch {
	case rec.BlockNumber != rcpt.BlockNumber:
		rec.BlockNumber = rcpt.BlockNumber
		rec.GasUsed = rcpt.GasUsed
		rec.ConfirmationCount = rcpt.Confirmations
		if err := o.transition(ctx, rec, store.StatusPending); err != nil {
			return nil, err
		}
	case rec.ConfirmationCount != rcpt.Confirmations:
		if err := o.store.UpdateConfirmations(ctx, rec.RunID, rec.ChainID, rcpt.Confirmations); err != nil {
			return nil, err
		}
		rec.ConfirmationCount = rcpt.Confirmations
		o.emit(rec, store.StatusPending)
	}
	return rec, nil
}

// rebroadcast sends a submitted record's stored transaction again. An accepted
// transaction moves the record to pending; a refused one ends the attempt unless it
// was mined since the receipt lookup. Transient failures write nothing.
func (o *Orchestrator) rebroadcast(ctx context.Context, net *network.Config, client blockchain.ChainClient, rec *store.Record) (*types.Receipt, error) {
	err := client.Broadcast(ctx, &types.SignedTx{Hash: rec.TxHash, PayloadSize: rec.PayloadSize, Raw: rec.RawTx})
	if err == nil {
		if err := o.transition(ctx, rec, store.StatusPending); err != nil {
			return nil, err
		}
		o.logger.Info().Str("run_id", rec.RunID).Str("network", rec.NetworkKey).Str("tx_hash", rec.TxHash).Msg("transaction re-broadcast")
		return &types.Receipt{TxHash: rec.TxHash}, nil
	}
	if kind := notaryerr.KindOf(err); kind != "" {
		o.metrics.RPCError(string(net.Key), string(kind))
	}
	if ctx.Err() != nil || notaryerr.Retryable(err) {
		return nil, err
	}
	if rcpt, rerr := client.Receipt(ctx, rec.TxHash); rerr == nil && rcpt.Included {
		return rcpt, nil
	}
	client.Abandon(rec.TxHash)
	status := store.StatusFailed
	if notaryerr.KindOf(err) == notaryerr.KindSubmissionRejected {
		status = store.StatusRejectedBeforeInclusion
	}
	if werr := o.end(ctx, rec, status, err); werr != nil {
		return nil, werr
	}
	return &types.Receipt{TxHash: rec.TxHash}, nil
}

func (o *Orchestrator) checkWindow(ctx context.Context, client blockchain.ChainClient, rec *store.Record) (*store.Record, error) {
	since := rec.CreatedAt
	if rec.SubmittedAt != nil {
		since = *rec.SubmittedAt
	}
	if o.now().Sub(since) < o.cfg.ConfirmationWindow {
		return rec, nil
	}
	rec.FailureKind = notaryerr.KindConfirmationTimeout
	rec.FailureReason = "transaction " + rec.TxHash + " not included within " + o.cfg.ConfirmationWindow.String()
	if err := o.transition(ctx, rec, store.StatusFailed); err != nil {
		return nil, err
	}
	client.Abandon(rec.TxHash)
	o.logger.Warn().Str("run_id", rec.RunID).Str("network", rec.NetworkKey).Str("tx_hash", rec.TxHash).Msg("confirmation window elapsed")
	return rec, nil
}

func (o *Orchestrator) confirm(ctx context.Context, net *network.Config, rec *store.Record, rcpt *types.Receipt) (*store.Record, error) {
	price := rcpt.GasPriceWei
	if price == nil {
		price = net.GasPriceWei()
	}
	now := o.now().UTC()
	rec.BlockNumber = rcpt.BlockNumber
	rec.GasUsed = rcpt.GasUsed
	rec.ConfirmationCount = rcpt.Confirmations
	rec.ActualCostWei = gas.Cost(rcpt.GasUsed, price).String()
	rec.ConfirmedAt = &now
	if err := o.transition(ctx, rec, store.StatusConfirmed); err != nil {
		return nil, err
	}

	delta := gas.Delta(rec.Estimate.GasLimit, rec.GasUsed)
	o.metrics.GasDelta(rec.NetworkKey, string(rec.Operation), delta)
	if rec.SubmittedAt != nil {
		o.metrics.ConfirmationLatency(rec.NetworkKey, now.Sub(*rec.SubmittedAt))
	}
	o.logger.Info().
		Str("run_id", rec.RunID).
		Str("network", rec.NetworkKey).
		Str("tx_hash", rec.TxHash).
		Uint64("block_number", rec.BlockNumber).
		Uint64("gas_used", rec.GasUsed).
		Int64("gas_delta", delta).
		Str("cost_wei", rec.ActualCostWei).
		Msg("notarization confirmed")
	return rec, nil
}

// AwaitConfirmation polls until the record is terminal or ctx is done. Transient
// lookup failures are logged and polled through. On cancellation the last observed
// record is returned with ctx.Err(); nothing is written.
//
// A terminal failure is returned together with the record's failure error.
func (o *Orchestrator) AwaitConfirmation(ctx context.Context, runID string, chainID uint64) (*store.Record, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var last *store.Record
	for {
		rec, err := o.Step(ctx, runID, chainID)
		if rec != nil {
			last = rec
		}
		switch {
		case ctx.Err() != nil:
			return last, ctx.Err()
		case err != nil && !notaryerr.Retryable(err):
			return last, err
		case err != nil:
			o.logger.Warn().Err(err).Str("run_id", runID).Uint64("chain_id", chainID).Msg("confirmation poll failed, will retry")
		case last != nil && last.Status.Terminal():
			return last, last.Failure()
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Resume polls every in-flight record once and returns how many it looked at.
// The engine calls it on startup and on a timer so a restarted process picks up
// where the previous one stopped.
func (o *Orchestrator) Resume(ctx context.Context, limit int) (int, error) {
	recs, err := o.store.ListNonTerminal(ctx, limit)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for _, r := range recs {
		r := r
		g.Go(func() error {
			rec, err := o.Step(gctx, r.RunID, r.ChainID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Warn().Err(err).Str("run_id", r.RunID).Uint64("chain_id", r.ChainID).Msg("resume step failed")
				return nil
			}
			if rec.Status.Terminal() {
				o.logger.Info().Str("run_id", rec.RunID).Str("network", rec.NetworkKey).Str("status", string(rec.Status)).Msg("resumed record reached a terminal state")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(recs), err
	}
	return len(recs), nil
}
