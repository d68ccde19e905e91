package shard

import (
	"fmt"
	"strings"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
)

// compositeSeparator joins the per-property components of a composite shard
// key value, in the binding's key order.
const compositeSeparator = "|"

// CompositeStrategy routes by several shard-key properties at once. A shard's
// key value is the separator-joined component values, e.g. "eu|premium" for
// keys [region, plan]. Matching is case-insensitive.
type CompositeStrategy struct{}

// Name implements Strategy.
func (s *CompositeStrategy) Name() string { return "composite" }

// ResolveShards implements Strategy. Equality constraints on a leading run of
// the key properties prune by prefix; constraints on all of them select the
// exact shard. Anything else fans out.
func (s *CompositeStrategy) ResolveShards(reg *meta.Registry, binding *meta.EntityBinding, preds tessera.Predicates) []meta.ShardDescriptor {
	var parts []string
	for _, key := range binding.Keys {
		v, ok := preds.EqualsValue(key)
		if !ok {
			break
		}
		parts = append(parts, fmt.Sprint(v))
	}
	if len(parts) == 0 {
		return fanOut(reg, binding)
	}

	exact := len(parts) == len(binding.Keys)
	joined := strings.ToLower(strings.Join(parts, compositeSeparator))

	var out []meta.ShardDescriptor
	for _, sd := range reg.ShardsFor(binding.Entity) {
		kv := strings.ToLower(sd.KeyValue)
		if exact && kv == joined {
			out = append(out, sd)
		} else if !exact && strings.HasPrefix(kv, joined+compositeSeparator) {
			out = append(out, sd)
		}
	}
	if len(out) == 0 {
		if exact {
			if def, ok := reg.DefaultShard(binding.Entity); ok {
				return []meta.ShardDescriptor{def}
			}
			return nil
		}
		// Partial constraints that match nothing give no safe pruning.
		return fanOut(reg, binding)
	}
	return reg.OrderForFanOut(out)
}

// ResolveWriteShard implements Strategy. Every key property must be present
// on the instance.
func (s *CompositeStrategy) ResolveWriteShard(reg *meta.Registry, binding *meta.EntityBinding, entity interface{}) (meta.ShardDescriptor, error) {
	parts := make([]string, 0, len(binding.Keys))
	for _, key := range binding.Keys {
		v, err := keyValue(binding, entity, key)
		if err != nil {
			return meta.ShardDescriptor{}, err
		}
		parts = append(parts, fmt.Sprint(v))
	}
	joined := strings.ToLower(strings.Join(parts, compositeSeparator))

	var candidates []meta.ShardDescriptor
	for _, sd := range reg.ShardsFor(binding.Entity) {
		if strings.ToLower(sd.KeyValue) == joined {
			candidates = append(candidates, sd)
		}
	}
	return pickWriteShard(reg, binding, candidates, joined)
}
