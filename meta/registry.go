package meta

import (
	"fmt"
	"sort"

	"github.com/tesseradb/tessera"
	"go.uber.org/zap"
)

// Registry is the catalog of shard descriptors and entity bindings. It is
// built once at startup and safe for concurrent reads thereafter; nothing in
// the engine mutates it after NewRegistry returns.
type Registry struct {
	shards   []ShardDescriptor // registration order
	byID     map[string]int
	bindings map[string]*EntityBinding

	logger *zap.Logger
}

// NewRegistry validates shards and bindings and builds a registry over them.
// Overlapping date ranges between shards of the same entity are reported as a
// warning, not an error; an overlap may be an intentional migration window.
func NewRegistry(shards []ShardDescriptor, bindings []EntityBinding, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		shards:   make([]ShardDescriptor, 0, len(shards)),
		byID:     make(map[string]int, len(shards)),
		bindings: make(map[string]*EntityBinding, len(bindings)),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := range shards {
		sd := shards[i]
		if err := sd.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.byID[sd.ID]; ok {
			return nil, &tessera.Error{
				Code: tessera.EConfiguration,
				Op:   "meta.NewRegistry",
				Msg:  fmt.Sprintf("duplicate shard id %q", sd.ID),
			}
		}
		r.byID[sd.ID] = len(r.shards)
		r.shards = append(r.shards, sd)
	}

	for i := range bindings {
		b := bindings[i]
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.bindings[b.Entity]; ok {
			return nil, &tessera.Error{
				Code: tessera.EConfiguration,
				Op:   "meta.NewRegistry",
				Msg:  fmt.Sprintf("duplicate binding for entity %q", b.Entity),
			}
		}
		if len(r.ShardsFor(b.Entity)) == 0 {
			return nil, &tessera.Error{
				Code: tessera.EConfiguration,
				Op:   "meta.NewRegistry",
				Msg:  fmt.Sprintf("entity %q: no shards registered", b.Entity),
			}
		}
		r.bindings[b.Entity] = &b
	}

	r.warnOverlaps()
	return r, nil
}

// RegistryOption configures a Registry under construction.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for registry diagnostics.
func WithLogger(log *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = log.With(zap.String("service", "meta"))
	}
}

func (r *Registry) warnOverlaps() {
	for i := range r.shards {
		for j := i + 1; j < len(r.shards); j++ {
			a, b := &r.shards[i], &r.shards[j]
			if a.Entity != b.Entity || !a.HasKeyRange() || !b.HasKeyRange() {
				continue
			}
			if a.Overlaps(b.Start, b.End) {
				r.logger.Warn("shard date ranges overlap",
					zap.String("entity", a.Entity),
					zap.String("shard_a", a.ID),
					zap.String("shard_b", b.ID))
			}
		}
	}
}

// Shards returns all shard descriptors in registration order.
func (r *Registry) Shards() []ShardDescriptor {
	out := make([]ShardDescriptor, len(r.shards))
	copy(out, r.shards)
	return out
}

// Shard returns the descriptor with the given id.
func (r *Registry) Shard(id string) (ShardDescriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return ShardDescriptor{}, false
	}
	return r.shards[i], true
}

// ShardsFor returns the shards available to entity: those bound to it plus
// any unscoped shards, in registration order.
func (r *Registry) ShardsFor(entity string) []ShardDescriptor {
	var out []ShardDescriptor
	for i := range r.shards {
		if r.shards[i].Entity == "" || r.shards[i].Entity == entity {
			out = append(out, r.shards[i])
		}
	}
	return out
}

// WritableShards returns the non-read-only shards available to entity.
func (r *Registry) WritableShards(entity string) []ShardDescriptor {
	var out []ShardDescriptor
	for _, sd := range r.ShardsFor(entity) {
		if !sd.ReadOnly {
			out = append(out, sd)
		}
	}
	return out
}

// ShardsByTier returns all shards in the given tier, in registration order.
func (r *Registry) ShardsByTier(tier Tier) []ShardDescriptor {
	var out []ShardDescriptor
	for i := range r.shards {
		if r.shards[i].Tier == tier {
			out = append(out, r.shards[i])
		}
	}
	return out
}

// ShardsOverlapping returns entity's shards whose date range intersects the
// half-open range [min, max).
func (r *Registry) ShardsOverlapping(entity string, min, max interface{}) []ShardDescriptor {
	minT, okMin := tessera.TimeValue(min)
	maxT, okMax := tessera.TimeValue(max)
	var out []ShardDescriptor
	for _, sd := range r.ShardsFor(entity) {
		if !sd.HasKeyRange() {
			continue
		}
		switch {
		case okMin && okMax:
			if sd.Overlaps(minT, maxT) {
				out = append(out, sd)
			}
		case okMin:
			if sd.End.After(minT) {
				out = append(out, sd)
			}
		case okMax:
			if sd.Start.Before(maxT) {
				out = append(out, sd)
			}
		}
	}
	return out
}

// DefaultShard returns entity's designated catch-all shard, if any. When
// several shards are flagged default the lowest priority wins, then
// registration order.
func (r *Registry) DefaultShard(entity string) (ShardDescriptor, bool) {
	var (
		found bool
		best  ShardDescriptor
	)
	for _, sd := range r.ShardsFor(entity) {
		if !sd.Default || sd.ReadOnly {
			continue
		}
		if !found || sd.Priority < best.Priority {
			found, best = true, sd
		}
	}
	return best, found
}

// Binding returns the binding for entity.
func (r *Registry) Binding(entity string) (*EntityBinding, bool) {
	b, ok := r.bindings[entity]
	return b, ok
}

// Bindings returns all entity bindings.
func (r *Registry) Bindings() []*EntityBinding {
	out := make([]*EntityBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// OrderForFanOut sorts shards for a fan-out read: priority ascending, then
// tier hot to archive, then registration order. The input slice is sorted in
// place and returned.
func (r *Registry) OrderForFanOut(shards []ShardDescriptor) []ShardDescriptor {
	sort.SliceStable(shards, func(i, j int) bool {
		if shards[i].Priority != shards[j].Priority {
			return shards[i].Priority < shards[j].Priority
		}
		if shards[i].Tier != shards[j].Tier {
			return shards[i].Tier < shards[j].Tier
		}
		return r.byID[shards[i].ID] < r.byID[shards[j].ID]
	})
	return shards
}

// RegistrationIndex returns the registration position of the shard id, used
// as the final tie-break when several shards match a write.
func (r *Registry) RegistrationIndex(id string) int {
	i, ok := r.byID[id]
	if !ok {
		return -1
	}
	return i
}
