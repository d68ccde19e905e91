package shard

import (
	"fmt"
	"time"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
)

// DateRangeStrategy routes by a time-valued shard key against each shard's
// registered half-open interval [Start, End).
type DateRangeStrategy struct{}

// Name implements Strategy.
func (s *DateRangeStrategy) Name() string { return "date-range" }

// ResolveShards implements Strategy. A range or point constraint on the key
// selects every shard whose interval intersects it; without a time-coercible
// constraint the entity's full shard set is returned.
func (s *DateRangeStrategy) ResolveShards(reg *meta.Registry, binding *meta.EntityBinding, preds tessera.Predicates) []meta.ShardDescriptor {
	c, ok := preds.RangeOf(binding.Keys[0])
	if !ok {
		return fanOut(reg, binding)
	}

	minT, okMin := tessera.TimeValue(c.Min)
	maxT, okMax := tessera.TimeValue(c.Max)
	if !okMin && !okMax {
		return fanOut(reg, binding)
	}
	if okMax && c.MaxInclusive {
		// Shard intervals are half-open; widen an inclusive upper bound so
		// the boundary instant still intersects.
		maxT = maxT.Add(time.Nanosecond)
	}

	var out []meta.ShardDescriptor
	for _, sd := range reg.ShardsFor(binding.Entity) {
		if !sd.HasKeyRange() {
			// A rangeless catch-all shard may hold rows from any interval.
			if sd.Default {
				out = append(out, sd)
			}
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
		default:
			if sd.Start.Before(maxT) {
				out = append(out, sd)
			}
		}
	}
	return reg.OrderForFanOut(out)
}

// ResolveWriteShard implements Strategy.
func (s *DateRangeStrategy) ResolveWriteShard(reg *meta.Registry, binding *meta.EntityBinding, entity interface{}) (meta.ShardDescriptor, error) {
	v, err := keyValue(binding, entity, binding.Keys[0])
	if err != nil {
		return meta.ShardDescriptor{}, err
	}
	t, ok := tessera.TimeValue(v)
	if !ok {
		return meta.ShardDescriptor{}, &tessera.Error{
			Code: tessera.EShardNotFound,
			Msg:  fmt.Sprintf("entity %q: shard-key value %v is not a time", binding.Entity, v),
		}
	}

	var candidates []meta.ShardDescriptor
	for _, sd := range reg.WritableShards(binding.Entity) {
		if sd.Contains(t) {
			candidates = append(candidates, sd)
		}
	}
	return pickWriteShard(reg, binding, candidates, v)
}
