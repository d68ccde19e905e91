package coordinator

import (
	"context"
	"fmt"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/query"
	"github.com/tesseradb/tessera/store"
	"go.uber.org/zap"
)

// Writer routes logical writes to their owning shards. Writes that land on
// one shard run as an ordinary local transaction; writes touching more than
// one shard always run through the two-phase coordinator.
type Writer struct {
	planner *query.Planner
	store   store.Store
	coord   *Coordinator

	logger *zap.Logger
}

// NewWriter wires a writer over the planner, store and transaction
// coordinator.
func NewWriter(planner *query.Planner, st store.Store, coord *Coordinator) *Writer {
	return &Writer{
		planner: planner,
		store:   st,
		coord:   coord,
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on w.
func (w *Writer) WithLogger(log *zap.Logger) {
	w.logger = log.With(zap.String("service", "writer"))
}

// Upsert writes the rows for one entity type. Each row resolves to exactly
// one shard through the entity's strategy; a row whose shard-key value
// matches no shard fails the whole write with EShardNotFound.
//
// If ctx carries a transaction (NewContextWithTxn), the shards are enlisted
// into it and the caller commits; the writes then become visible only when
// that outer transaction commits.
func (w *Writer) Upsert(ctx context.Context, entity string, rows ...tessera.Row) error {
	return w.write(ctx, entity, store.OpUpsert, rows)
}

// Delete removes the rows for one entity type, identified by their primary
// key values.
func (w *Writer) Delete(ctx context.Context, entity string, rows ...tessera.Row) error {
	return w.write(ctx, entity, store.OpDelete, rows)
}

func (w *Writer) write(ctx context.Context, entity string, op store.WriteOp, rows []tessera.Row) error {
	binding, ok := w.planner.Registry().Binding(entity)
	if !ok {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "coordinator.write",
			Msg:  fmt.Sprintf("entity %q is not bound to a sharding strategy", entity),
		}
	}

	// Group rows by their owning shard.
	type group struct {
		shard  meta.ShardDescriptor
		writes []store.Write
	}
	groups := make(map[string]*group)
	var order []string
	for _, row := range rows {
		sd, err := w.planner.PlanWrite(entity, row)
		if err != nil {
			return err
		}
		g, ok := groups[sd.ID]
		if !ok {
			g = &group{shard: sd}
			groups[sd.ID] = g
			order = append(order, sd.ID)
		}
		g.writes = append(g.writes, store.Write{
			Entity: entity,
			Op:     op,
			Row:    row,
			Key:    binding.PrimaryKey,
		})
	}
	if len(groups) == 0 {
		return nil
	}

	// A single-shard write needs no cross-shard coordination, unless the
	// caller already runs inside a transaction scope.
	outer := TxnFromContext(ctx)
	if len(groups) == 1 && outer == nil {
		g := groups[order[0]]
		sess, err := w.store.Session(ctx, g.shard)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.Apply(ctx, g.writes); err != nil {
			return err
		}
		w.logger.Debug("single-shard write applied",
			zap.String("entity", entity),
			zap.String("shard", g.shard.ID),
			zap.Int("rows", len(g.writes)))
		return nil
	}

	txn := outer
	if txn == nil {
		txn = w.coord.Begin()
	}
	for _, id := range order {
		g := groups[id]
		p, err := w.participant(ctx, g.shard)
		if err != nil {
			return err
		}
		if err := txn.Enlist(p); err != nil {
			return err
		}
		for _, wr := range g.writes {
			if err := txn.Stage(id, wr); err != nil {
				return err
			}
		}
	}

	// Joined transactions are committed by their owner.
	if outer != nil {
		return nil
	}
	w.logger.Debug("multi-shard write committing",
		zap.String("entity", entity),
		zap.String("txn", txn.ID()),
		zap.Int("shards", len(groups)))
	return txn.Commit(ctx)
}

func (w *Writer) participant(ctx context.Context, sd meta.ShardDescriptor) (store.Participant, error) {
	if w.coord.resolver == nil {
		return nil, &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "coordinator.write",
			Msg:  "no participant resolver configured for multi-shard writes",
		}
	}
	return w.coord.resolver.Participant(ctx, sd.ID)
}
