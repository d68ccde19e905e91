package query

import (
	"fmt"
	"time"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/shard"
	"go.uber.org/zap"
)

// ReadOptions carry the host query layer's per-read parameters.
type ReadOptions struct {
	// Ordering to apply globally across shards. Empty means unordered.
	OrderBy []SortField

	// Skip and Take paginate the globally ordered sequence. Zero values mean
	// "not requested".
	Skip int
	Take int

	// At is the temporal point for versioned entities; nil means now.
	At *time.Time

	// AllVersions disables the implicit validity filter for temporal
	// entities.
	AllVersions bool

	// BestEffort lets the read proceed past individual shard failures,
	// which are then flagged on the result instead of failing the whole
	// operation.
	BestEffort bool
}

// ShardQuery is one shard's slice of a logical read: the filter rebound to
// the shard's physical target plus an optional row cap.
type ShardQuery struct {
	Shard  meta.ShardDescriptor
	Entity string
	Filter Expr

	// Sort is the local ordering the shard must apply so that Limit cuts on
	// the same boundary the merger will use.
	Sort []SortField

	// Limit caps rows returned by this shard; 0 means uncapped.
	Limit int

	// Offset is only ever non-zero for a single-shard plan where pagination
	// was pushed down whole.
	Offset int
}

// Plan is the ordered set of per-shard queries plus the global
// post-processing the merger applies.
type Plan struct {
	Entity  string
	Queries []ShardQuery

	// Global ordering and pagination, reapplied by the merger.
	Sort []SortField
	Skip int
	Take int

	// PushedDown marks a single-shard plan whose skip/take were handed to
	// the shard directly; the merger must not reapply them.
	PushedDown bool

	// BestEffort carries the caller's failure policy to the executor.
	BestEffort bool
}

// Planner builds execution plans by combining extracted predicates with each
// entity's resolution strategy.
type Planner struct {
	registry   *meta.Registry
	strategies map[string]shard.Strategy
	versions   *VersionManager

	logger *zap.Logger
}

// NewPlanner constructs a planner over the registry, building one strategy
// per bound entity.
func NewPlanner(reg *meta.Registry) (*Planner, error) {
	p := &Planner{
		registry:   reg,
		strategies: make(map[string]shard.Strategy),
		versions:   NewVersionManager(),
		logger:     zap.NewNop(),
	}
	for _, binding := range reg.Bindings() {
		s, err := shard.New(binding)
		if err != nil {
			return nil, err
		}
		p.strategies[binding.Entity] = s
	}
	return p, nil
}

// WithLogger sets the logger on p.
func (p *Planner) WithLogger(log *zap.Logger) {
	p.logger = log.With(zap.String("service", "planner"))
}

// Registry returns the planner's registry.
func (p *Planner) Registry() *meta.Registry { return p.registry }

// Strategy returns the strategy bound to entity.
func (p *Planner) Strategy(entity string) (shard.Strategy, bool) {
	s, ok := p.strategies[entity]
	return s, ok
}

// Plan resolves the shards for one entity read and builds its execution
// plan. Zero resolved shards is a fatal configuration error, not retried.
func (p *Planner) Plan(entity string, filter Expr, opts ReadOptions) (*Plan, error) {
	binding, ok := p.registry.Binding(entity)
	if !ok {
		return nil, &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "query.Plan",
			Msg:  fmt.Sprintf("entity %q is not bound to a sharding strategy", entity),
		}
	}
	strategy := p.strategies[entity]

	preds := Extract(filter)
	filter = p.versions.Apply(binding, filter, preds, opts.At, opts.AllVersions)

	shards := strategy.ResolveShards(p.registry, binding, preds)
	if len(shards) == 0 {
		return nil, &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "query.Plan",
			Msg:  fmt.Sprintf("entity %q: no shards resolved for query", entity),
		}
	}

	plan := &Plan{
		Entity:     entity,
		Sort:       opts.OrderBy,
		Skip:       opts.Skip,
		Take:       opts.Take,
		BestEffort: opts.BestEffort,
	}

	var perShardLimit, perShardOffset int
	switch {
	case len(opts.OrderBy) > 0:
		// With a global ordering no shard holds a globally contiguous slice,
		// so skip cannot be pushed down. Each shard is capped at skip+take to
		// bound transferred rows; the merger reapplies both.
		plan.Sort = withTieBreak(opts.OrderBy, binding.PrimaryKey)
		if opts.Take > 0 {
			perShardLimit = opts.Skip + opts.Take
		}
	case len(shards) == 1:
		// Unordered single-shard reads push pagination down whole.
		perShardLimit = opts.Take
		perShardOffset = opts.Skip
		plan.PushedDown = true
	default:
		// Unordered multi-shard pagination is a caller contract: results
		// beyond each shard's local cap are undefined. Cap transfer anyway.
		if opts.Take > 0 {
			perShardLimit = opts.Skip + opts.Take
		}
	}

	plan.Queries = make([]ShardQuery, 0, len(shards))
	for _, sd := range shards {
		plan.Queries = append(plan.Queries, ShardQuery{
			Shard:  sd,
			Entity: entity,
			Filter: filter,
			Sort:   plan.Sort,
			Limit:  perShardLimit,
			Offset: perShardOffset,
		})
	}

	p.logger.Debug("planned query",
		zap.String("entity", entity),
		zap.Int("shards", len(plan.Queries)),
		zap.String("strategy", strategy.Name()),
		zap.Bool("pushed_down", plan.PushedDown))
	return plan, nil
}

// PlanWrite resolves the single shard owning an entity instance.
func (p *Planner) PlanWrite(entity string, instance interface{}) (meta.ShardDescriptor, error) {
	binding, ok := p.registry.Binding(entity)
	if !ok {
		return meta.ShardDescriptor{}, &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "query.PlanWrite",
			Msg:  fmt.Sprintf("entity %q is not bound to a sharding strategy", entity),
		}
	}
	return p.strategies[entity].ResolveWriteShard(p.registry, binding, instance)
}

// withTieBreak appends the entity's primary key as a final implicit sort key
// so that per-shard caps cut on a deterministic boundary even when the
// requested keys tie.
func withTieBreak(fields []SortField, primaryKey string) []SortField {
	if primaryKey == "" {
		return fields
	}
	for _, f := range fields {
		if f.Property == primaryKey {
			return fields
		}
	}
	out := make([]SortField, len(fields), len(fields)+1)
	copy(out, fields)
	return append(out, SortField{Property: primaryKey})
}
