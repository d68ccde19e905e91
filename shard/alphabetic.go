package shard

import (
	"strings"
	"unicode"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
)

// AlphabeticStrategy routes by the first letter of a string shard key. Each
// shard registers an inclusive letter range as its key value, "a-f", or a
// single letter, "x". Matching is case-insensitive.
type AlphabeticStrategy struct{}

// Name implements Strategy.
func (s *AlphabeticStrategy) Name() string { return "alphabetic" }

// ResolveShards implements Strategy. An equality constraint selects shards
// whose letter range covers the value's first letter; a range constraint
// selects shards whose letter range intersects the lexical interval. Other
// shapes fan out.
func (s *AlphabeticStrategy) ResolveShards(reg *meta.Registry, binding *meta.EntityBinding, preds tessera.Predicates) []meta.ShardDescriptor {
	shards := reg.ShardsFor(binding.Entity)

	if v, ok := preds.EqualsValue(binding.Keys[0]); ok {
		str, ok := tessera.StringValue(v)
		if !ok || str == "" {
			return fanOut(reg, binding)
		}
		letter := firstLetter(str)
		var out []meta.ShardDescriptor
		for _, sd := range shards {
			if lo, hi, ok := letterRange(sd.KeyValue); ok && lo <= letter && letter <= hi {
				out = append(out, sd)
			}
		}
		if len(out) == 0 {
			if def, ok := reg.DefaultShard(binding.Entity); ok {
				return []meta.ShardDescriptor{def}
			}
			return nil
		}
		return reg.OrderForFanOut(out)
	}

	if c, ok := preds.RangeOf(binding.Keys[0]); ok {
		minS, okMin := tessera.StringValue(c.Min)
		maxS, okMax := tessera.StringValue(c.Max)
		if !okMin && !okMax {
			return fanOut(reg, binding)
		}
		lo, hi := byte('a'), byte('z')
		if okMin && minS != "" {
			lo = firstLetter(minS)
		}
		if okMax && maxS != "" {
			hi = firstLetter(maxS)
		}
		var out []meta.ShardDescriptor
		for _, sd := range shards {
			if slo, shi, ok := letterRange(sd.KeyValue); ok && slo <= hi && lo <= shi {
				out = append(out, sd)
			}
		}
		return reg.OrderForFanOut(out)
	}

	return fanOut(reg, binding)
}

// ResolveWriteShard implements Strategy.
func (s *AlphabeticStrategy) ResolveWriteShard(reg *meta.Registry, binding *meta.EntityBinding, entity interface{}) (meta.ShardDescriptor, error) {
	v, err := keyValue(binding, entity, binding.Keys[0])
	if err != nil {
		return meta.ShardDescriptor{}, err
	}
	str, _ := tessera.StringValue(v)
	var candidates []meta.ShardDescriptor
	if str != "" {
		letter := firstLetter(str)
		for _, sd := range reg.ShardsFor(binding.Entity) {
			if lo, hi, ok := letterRange(sd.KeyValue); ok && lo <= letter && letter <= hi {
				candidates = append(candidates, sd)
			}
		}
	}
	return pickWriteShard(reg, binding, candidates, v)
}

// firstLetter returns the lowercased first byte of s.
func firstLetter(s string) byte {
	return byte(unicode.ToLower(rune(s[0])))
}

// letterRange parses a shard key value of the form "a-f" or "x" into an
// inclusive lowercase range.
func letterRange(kv string) (lo, hi byte, ok bool) {
	kv = strings.ToLower(strings.TrimSpace(kv))
	switch {
	case len(kv) == 1:
		return kv[0], kv[0], true
	case len(kv) == 3 && kv[1] == '-':
		if kv[0] > kv[2] {
			return 0, 0, false
		}
		return kv[0], kv[2], true
	}
	return 0, 0, false
}
