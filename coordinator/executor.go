// Package coordinator runs planned reads across shards with bounded
// parallelism and makes multi-shard writes atomic with two-phase commit.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/pkg/limiter"
	"github.com/tesseradb/tessera/query"
	"github.com/tesseradb/tessera/store"
	"go.uber.org/zap"
)

// ShardFailure records one shard's error in a best-effort read.
type ShardFailure struct {
	ShardID string
	Err     error
}

// Result is a completed scatter-gather read.
type Result struct {
	// Rows is the globally ordered, paginated merged sequence.
	Rows []interface{}

	// Partial is true when FailedShards is non-empty: the read ran in
	// best-effort mode and some shards did not contribute.
	Partial bool

	// FailedShards lists the shards that errored in best-effort mode.
	FailedShards []ShardFailure
}

// Executor runs one asynchronous task per shard query, bounded by a counting
// semaphore. Completion order between shard tasks is unspecified; determinism
// is restored by the merge step.
type Executor struct {
	registry *meta.Registry
	store    store.Store
	sem      limiter.Fixed

	logger *zap.Logger
	stats  *executorMetrics
}

// NewExecutor builds an executor over the registry and store. maxParallel
// bounds concurrently in-flight shard operations; values below one fall back
// to the default of 10.
func NewExecutor(reg *meta.Registry, st store.Store, maxParallel int) *Executor {
	if maxParallel < 1 {
		maxParallel = meta.DefaultMaxParallelShards
	}
	return &Executor{
		registry: reg,
		store:    st,
		sem:      limiter.NewFixed(maxParallel),
		logger:   zap.NewNop(),
		stats:    newExecutorMetrics(),
	}
}

// WithLogger sets the logger on e.
func (e *Executor) WithLogger(log *zap.Logger) {
	e.logger = log.With(zap.String("service", "executor"))
}

// Query executes every shard query in the plan and merges the results.
//
// The default policy is fail-fast: the first shard error cancels all
// in-flight shard tasks and the whole read fails with the offending shard id
// and cause, returning no partial results. Plans built with BestEffort
// instead record failed shards on the Result and proceed with the rest.
// Reads are not retried here; they are assumed safely retriable by the
// caller.
func (e *Executor) Query(ctx context.Context, plan *query.Plan) (*Result, error) {
	perShard := make([][]interface{}, len(plan.Queries))

	failures, err := e.scatter(ctx, plan, func(ctx context.Context, i int, sq query.ShardQuery, sess store.Session) error {
		rows, err := sess.Query(ctx, sq)
		if err != nil {
			return err
		}
		perShard[i] = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	merger := query.NewMerger(e.accessor(plan.Entity))
	res := &Result{
		Rows:         merger.Merge(plan, perShard),
		Partial:      len(failures) > 0,
		FailedShards: failures,
	}
	return res, nil
}

// Count executes the plan as a scalar aggregate, summing per-shard counts.
func (e *Executor) Count(ctx context.Context, plan *query.Plan) (int64, *Result, error) {
	counts := make([]int64, len(plan.Queries))

	failures, err := e.scatter(ctx, plan, func(ctx context.Context, i int, sq query.ShardQuery, sess store.Session) error {
		n, err := sess.Count(ctx, sq)
		if err != nil {
			return err
		}
		counts[i] = n
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	var merger query.Merger
	res := &Result{Partial: len(failures) > 0, FailedShards: failures}
	return merger.MergeCounts(counts), res, nil
}

// scatter fans the per-shard work out under the semaphore and gathers
// failures according to the plan's failure policy.
func (e *Executor) scatter(
	ctx context.Context,
	plan *query.Plan,
	work func(ctx context.Context, i int, sq query.ShardQuery, sess store.Session) error,
) ([]ShardFailure, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []ShardFailure
	)
	fail := func(shardID string, err error) {
		mu.Lock()
		failures = append(failures, ShardFailure{ShardID: shardID, Err: err})
		mu.Unlock()
		if !plan.BestEffort {
			// Fail-fast: one shard error aborts every in-flight task.
			cancel()
		}
	}

	for i := range plan.Queries {
		wg.Add(1)
		go func(i int, sq query.ShardQuery) {
			defer wg.Done()

			// Slot release is guaranteed on every exit path.
			if err := e.sem.TakeWithContext(ctx); err != nil {
				fail(sq.Shard.ID, err)
				return
			}
			defer e.sem.Release()

			start := time.Now()
			err := e.runShard(ctx, i, sq, work)
			d := time.Since(start)

			e.stats.shardDuration.Observe(d.Seconds())
			if err != nil {
				e.stats.shardQueries.WithLabelValues("error").Inc()
				e.logger.Warn("shard query failed",
					zap.String("shard", sq.Shard.ID), zap.Duration("took", d), zap.Error(err))
				fail(sq.Shard.ID, err)
				return
			}
			e.stats.shardQueries.WithLabelValues("ok").Inc()
			e.logger.Debug("shard query done",
				zap.String("shard", sq.Shard.ID), zap.Duration("took", d))
		}(i, plan.Queries[i])
	}
	wg.Wait()

	if len(failures) == 0 {
		return nil, nil
	}
	if plan.BestEffort {
		return failures, nil
	}

	// Partial results are discarded; surface the first failure with its
	// shard id and cause.
	first := failures[0]
	code := tessera.EShardOperation
	if errors.Is(first.Err, context.DeadlineExceeded) {
		code = tessera.ETimeout
	}
	return nil, &tessera.Error{
		Code: code,
		Op:   "coordinator.Query",
		Msg:  fmt.Sprintf("shard %q failed", first.ShardID),
		Err:  first.Err,
	}
}

func (e *Executor) runShard(
	ctx context.Context,
	i int,
	sq query.ShardQuery,
	work func(ctx context.Context, i int, sq query.ShardQuery, sess store.Session) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := e.store.Session(ctx, sq.Shard)
	if err != nil {
		return err
	}
	defer sess.Close()
	return work(ctx, i, sq, sess)
}

// accessor returns the entity's bound accessor, defaulting to row maps.
func (e *Executor) accessor(entity string) tessera.Accessor {
	if b, ok := e.registry.Binding(entity); ok && b.Accessor != nil {
		return b.Accessor
	}
	return tessera.RowAccessor{}
}

// InFlight reports how many shard tasks currently hold a semaphore slot.
// Exposed for instrumentation.
func (e *Executor) InFlight() int {
	return e.sem.Capacity() - e.sem.Available()
}
