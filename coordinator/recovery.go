package coordinator

import (
	"context"
	"fmt"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Recover scans the durably persisted commit decisions, re-queries each
// participant's last recorded phase, and re-drives any transaction whose
// global decision was already recorded to completion. It returns the number
// of transactions fully resolved.
//
// A participant found in a phase that contradicts the recorded decision
// (never prepared, or rolled back) is unrecoverable and is always surfaced
// as an ERecovery error, never dropped silently. Other transactions keep
// being processed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	if c.decisions == nil {
		return 0, &tessera.Error{
			Code: tessera.ERecovery,
			Op:   "coordinator.Recover",
			Msg:  "recovery is not enabled",
		}
	}
	if c.resolver == nil {
		return 0, &tessera.Error{
			Code: tessera.ERecovery,
			Op:   "coordinator.Recover",
			Msg:  "no participant resolver configured",
		}
	}

	decisions, err := c.decisions.List()
	if err != nil {
		return 0, &tessera.Error{
			Code: tessera.ERecovery,
			Op:   "coordinator.Recover",
			Msg:  "listing decisions",
			Err:  err,
		}
	}

	var (
		resolved int
		errs     error
	)
	for _, d := range decisions {
		if err := ctx.Err(); err != nil {
			return resolved, multierr.Append(errs, err)
		}
		if err := c.recoverOne(ctx, d); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		resolved++
		c.stats.recovered.Inc()
		c.logger.Info("transaction recovered", zap.String("txn", d.TxnID))
	}
	return resolved, errs
}

// recoverOne re-drives a single decided transaction on every shard it
// touched.
func (c *Coordinator) recoverOne(ctx context.Context, d Decision) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, shardID := range d.Shards {
		shardID := shardID
		g.Go(func() error {
			p, err := c.resolver.Participant(gctx, shardID)
			if err != nil {
				return &tessera.Error{
					Code: tessera.ERecovery,
					Op:   "coordinator.Recover",
					Msg:  fmt.Sprintf("txn %s: resolving shard %q", d.TxnID, shardID),
					Err:  err,
				}
			}

			phase, err := p.LastPhase(gctx, d.TxnID)
			if err != nil {
				return &tessera.Error{
					Code: tessera.ERecovery,
					Op:   "coordinator.Recover",
					Msg:  fmt.Sprintf("txn %s: probing shard %q", d.TxnID, shardID),
					Err:  err,
				}
			}

			switch phase {
			case store.PhaseCommitted:
				return nil
			case store.PhasePrepared:
				if err := p.Commit(gctx, d.TxnID); err != nil {
					return &tessera.Error{
						Code: tessera.ERecovery,
						Op:   "coordinator.Recover",
						Msg:  fmt.Sprintf("txn %s: re-driving commit on shard %q", d.TxnID, shardID),
						Err:  err,
					}
				}
				return nil
			default:
				// The decision says commit, but the participant never kept a
				// prepared state to finish. Atomicity can no longer be
				// guaranteed by re-driving; surface it.
				return &tessera.Error{
					Code: tessera.ERecovery,
					Op:   "coordinator.Recover",
					Msg: fmt.Sprintf("txn %s: shard %q is %s, contradicting the recorded commit decision",
						d.TxnID, shardID, phase),
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.decisions.Resolve(d.TxnID)
}
