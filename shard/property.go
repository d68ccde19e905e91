package shard

import (
	"fmt"
	"strings"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
)

// PropertyValueStrategy routes by a discrete shard-key value. Each shard
// descriptor registers the key value it owns; matching is case-insensitive.
type PropertyValueStrategy struct{}

// Name implements Strategy.
func (s *PropertyValueStrategy) Name() string { return "property-value" }

// ResolveShards implements Strategy. An equality constraint on the shard key
// selects exactly the shard(s) registered for that value; any other predicate
// shape fans out over the entity's full shard set.
func (s *PropertyValueStrategy) ResolveShards(reg *meta.Registry, binding *meta.EntityBinding, preds tessera.Predicates) []meta.ShardDescriptor {
	v, ok := preds.EqualsValue(binding.Keys[0])
	if !ok {
		return fanOut(reg, binding)
	}
	matched := matchKeyValue(reg.ShardsFor(binding.Entity), v)
	if len(matched) == 0 {
		// An unregistered key value cannot match rows on any shard, but a
		// default shard may still hold it.
		if def, ok := reg.DefaultShard(binding.Entity); ok {
			return []meta.ShardDescriptor{def}
		}
		return nil
	}
	return reg.OrderForFanOut(matched)
}

// ResolveWriteShard implements Strategy.
func (s *PropertyValueStrategy) ResolveWriteShard(reg *meta.Registry, binding *meta.EntityBinding, entity interface{}) (meta.ShardDescriptor, error) {
	v, err := keyValue(binding, entity, binding.Keys[0])
	if err != nil {
		return meta.ShardDescriptor{}, err
	}
	// Read-only owners stay in the candidate set so pickWriteShard rejects
	// the write rather than diverting it out of the pruned read's reach.
	candidates := matchKeyValue(reg.ShardsFor(binding.Entity), v)
	return pickWriteShard(reg, binding, candidates, v)
}

func matchKeyValue(shards []meta.ShardDescriptor, v interface{}) []meta.ShardDescriptor {
	want := fmt.Sprint(v)
	var out []meta.ShardDescriptor
	for _, sd := range shards {
		if sd.HasKeyValue() && strings.EqualFold(sd.KeyValue, want) {
			out = append(out, sd)
		}
	}
	return out
}
