// Package shard implements the resolution strategies that map reads and
// writes onto physical shards using the meta registry.
package shard

import (
	"errors"
	"fmt"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
)

// Common errors returned by shard resolution.
var (
	// ErrNilShardKey is returned when a write carries a null or missing
	// shard-key value. Such writes are never silently routed.
	ErrNilShardKey = errors.New("shard: shard key cannot be nil")

	// ErrNoAccessor is returned when an entity binding carries no field
	// accessor for its type.
	ErrNoAccessor = errors.New("shard: entity binding has no accessor")
)

// Strategy resolves the shards able to satisfy a read and the single shard
// that owns a write. Implementations are stateless; all catalog state lives
// in the registry.
type Strategy interface {
	// Name returns a human-readable name for the strategy.
	Name() string

	// ResolveShards returns the shards that may hold rows matching the
	// extracted predicates, in preference order. When the predicates give no
	// pruning information the full shard set is returned (fan-out).
	// Over-inclusion is safe; under-inclusion never is.
	ResolveShards(reg *meta.Registry, binding *meta.EntityBinding, preds tessera.Predicates) []meta.ShardDescriptor

	// ResolveWriteShard returns exactly the one writable shard that owns the
	// entity instance, or an EShardNotFound error when no candidate matches
	// and no default shard is designated.
	ResolveWriteShard(reg *meta.Registry, binding *meta.EntityBinding, entity interface{}) (meta.ShardDescriptor, error)
}

// New builds the strategy named by the binding.
func New(binding *meta.EntityBinding) (Strategy, error) {
	switch binding.Strategy {
	case meta.StrategyPropertyValue:
		return &PropertyValueStrategy{}, nil
	case meta.StrategyHash:
		return &HashStrategy{ShardCount: binding.ShardCount}, nil
	case meta.StrategyDateRange:
		return &DateRangeStrategy{}, nil
	case meta.StrategyAlphabetic:
		return &AlphabeticStrategy{}, nil
	case meta.StrategyComposite:
		return &CompositeStrategy{}, nil
	default:
		return nil, &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "shard.New",
			Msg:  fmt.Sprintf("entity %q: unknown strategy %q", binding.Entity, binding.Strategy),
		}
	}
}

// fanOut returns the entity's full shard set in fan-out preference order.
func fanOut(reg *meta.Registry, binding *meta.EntityBinding) []meta.ShardDescriptor {
	return reg.OrderForFanOut(reg.ShardsFor(binding.Entity))
}

// keyValue reads the shard-key property off the entity instance through the
// binding's accessor.
func keyValue(binding *meta.EntityBinding, entity interface{}, property string) (interface{}, error) {
	if binding.Accessor == nil {
		return nil, &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  fmt.Sprintf("entity %q: %v", binding.Entity, ErrNoAccessor),
			Err:  ErrNoAccessor,
		}
	}
	v, ok := binding.Accessor.Field(entity, property)
	if !ok || v == nil {
		return nil, &tessera.Error{
			Code: tessera.EShardNotFound,
			Msg:  fmt.Sprintf("entity %q: shard-key property %q is null or missing", binding.Entity, property),
			Err:  ErrNilShardKey,
		}
	}
	return v, nil
}

// pickWriteShard selects one shard from the matched candidates: lowest
// priority wins, then registration order. When every matching candidate is
// read-only the write fails: diverting it to the default shard would land the
// row where a read pruned to the owning shard never looks. Only a key that
// matches no shard at all falls back to the entity's default shard; with
// neither, EShardNotFound is returned.
func pickWriteShard(reg *meta.Registry, binding *meta.EntityBinding, candidates []meta.ShardDescriptor, key interface{}) (meta.ShardDescriptor, error) {
	var (
		found bool
		best  meta.ShardDescriptor
	)
	for _, sd := range candidates {
		if sd.ReadOnly {
			continue
		}
		if !found {
			found, best = true, sd
			continue
		}
		if sd.Priority < best.Priority ||
			(sd.Priority == best.Priority && reg.RegistrationIndex(sd.ID) < reg.RegistrationIndex(best.ID)) {
			best = sd
		}
	}
	if found {
		return best, nil
	}
	if len(candidates) > 0 {
		return meta.ShardDescriptor{}, &tessera.Error{
			Code: tessera.EShardNotFound,
			Msg: fmt.Sprintf("entity %q: shard %q owns key value %v but is read-only",
				binding.Entity, candidates[0].ID, key),
		}
	}
	if def, ok := reg.DefaultShard(binding.Entity); ok {
		return def, nil
	}
	return meta.ShardDescriptor{}, &tessera.Error{
		Code: tessera.EShardNotFound,
		Msg:  fmt.Sprintf("entity %q: no shard matches key value %v and no default shard exists", binding.Entity, key),
	}
}
