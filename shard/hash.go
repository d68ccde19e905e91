package shard

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
)

// HashStrategy routes by hashing the shard-key value modulo a fixed shard
// count. The shard whose id encodes the computed index is selected: an exact
// id match first, then a numeric id-suffix match ("orders-3", "orders_3").
type HashStrategy struct {
	ShardCount int
}

// Name implements Strategy.
func (s *HashStrategy) Name() string { return "hash" }

// Index returns the deterministic shard index for a key value.
func (s *HashStrategy) Index(v interface{}) int {
	// xxhash returns an unsigned sum, so the modulo is already non-negative.
	return int(xxhash.Sum64String(fmt.Sprint(v)) % uint64(s.ShardCount))
}

// ResolveShards implements Strategy. Only an equality constraint on the key
// prunes; any other shape fans out.
func (s *HashStrategy) ResolveShards(reg *meta.Registry, binding *meta.EntityBinding, preds tessera.Predicates) []meta.ShardDescriptor {
	v, ok := preds.EqualsValue(binding.Keys[0])
	if !ok || s.ShardCount <= 0 {
		return fanOut(reg, binding)
	}
	if sd, ok := s.shardForIndex(reg, binding, s.Index(v)); ok {
		return []meta.ShardDescriptor{sd}
	}
	// The index maps to no registered shard: a configuration gap. Fan out
	// rather than silently returning nothing.
	return fanOut(reg, binding)
}

// ResolveWriteShard implements Strategy.
func (s *HashStrategy) ResolveWriteShard(reg *meta.Registry, binding *meta.EntityBinding, entity interface{}) (meta.ShardDescriptor, error) {
	v, err := keyValue(binding, entity, binding.Keys[0])
	if err != nil {
		return meta.ShardDescriptor{}, err
	}
	// The owning shard stays a candidate even when read-only, so the write
	// fails instead of diverting to a shard the pruned read never visits.
	var candidates []meta.ShardDescriptor
	if s.ShardCount > 0 {
		if sd, ok := s.shardForIndex(reg, binding, s.Index(v)); ok {
			candidates = append(candidates, sd)
		}
	}
	return pickWriteShard(reg, binding, candidates, v)
}

// shardForIndex finds the shard encoding idx in its id.
func (s *HashStrategy) shardForIndex(reg *meta.Registry, binding *meta.EntityBinding, idx int) (meta.ShardDescriptor, bool) {
	want := strconv.Itoa(idx)
	shards := reg.ShardsFor(binding.Entity)

	for _, sd := range shards {
		if sd.ID == want {
			return sd, true
		}
	}
	for _, sd := range shards {
		if n, ok := numericSuffix(sd.ID); ok && n == idx {
			return sd, true
		}
	}
	return meta.ShardDescriptor{}, false
}

// numericSuffix parses the trailing digit run of an id.
func numericSuffix(id string) (int, bool) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return 0, false
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}
