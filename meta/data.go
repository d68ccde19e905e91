// Package meta holds the shard catalog: shard descriptors, entity bindings
// and the registry that the rest of the engine resolves against. Descriptors
// and bindings are created at startup and are immutable snapshots thereafter.
package meta

import (
	"fmt"
	"time"

	"github.com/tesseradb/tessera"
)

// StorageMode describes how a shard is physically realised.
type StorageMode int

const (
	// ModeTables partitions rows across tables in one database.
	ModeTables StorageMode = iota
	// ModeDatabases partitions rows across separate databases.
	ModeDatabases
	// ModeManual leaves placement to the operator-supplied target.
	ModeManual
)

var storageModeNames = [...]string{"tables", "databases", "manual"}

// String returns the lowercase name of the mode.
func (m StorageMode) String() string {
	if int(m) < len(storageModeNames) {
		return storageModeNames[m]
	}
	return fmt.Sprintf("StorageMode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m StorageMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *StorageMode) UnmarshalText(text []byte) error {
	for i, name := range storageModeNames {
		if string(text) == name {
			*m = StorageMode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown storage mode %q", text)
}

// Tier classifies shards by access temperature. Lower tiers are preferred
// when fanning out.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
	TierArchive
)

var tierNames = [...]string{"hot", "warm", "cold", "archive"}

// String returns the lowercase name of the tier.
func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	for i, name := range tierNames {
		if string(text) == name {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", text)
}

// ShardDescriptor describes one physical partition. A descriptor may carry a
// discrete routing key value, a half-open time range [Start, End), or neither
// (a catch-all candidate).
type ShardDescriptor struct {
	ID       string      `toml:"id"`
	Name     string      `toml:"name"`
	Entity   string      `toml:"entity"` // empty means shared by all entities
	Target   string      `toml:"target"` // DSN or connection target
	Schema   string      `toml:"schema"` // for same-store partitioning
	Table    string      `toml:"table"`
	Mode     StorageMode `toml:"mode"`
	Tier     Tier        `toml:"tier"`
	Priority int         `toml:"priority"`
	ReadOnly bool        `toml:"read-only"`
	Default  bool        `toml:"default"` // catch-all shard for unmatched write keys

	// Discrete routing key value, matched case-insensitively. Empty when the
	// shard routes by time range or not at all.
	KeyValue string `toml:"key-value"`

	// Half-open routing range [Start, End). Both zero when unused.
	Start time.Time `toml:"start"`
	End   time.Time `toml:"end"`
}

// HasKeyValue reports whether the shard routes by a discrete key value.
func (s *ShardDescriptor) HasKeyValue() bool { return s.KeyValue != "" }

// HasKeyRange reports whether the shard routes by a time range.
func (s *ShardDescriptor) HasKeyRange() bool { return !s.Start.IsZero() || !s.End.IsZero() }

// Contains reports whether t falls inside the shard's half-open range.
func (s *ShardDescriptor) Contains(t time.Time) bool {
	if !s.HasKeyRange() {
		return false
	}
	return !t.Before(s.Start) && t.Before(s.End)
}

// Overlaps reports whether the shard's range intersects the half-open range
// [min, max).
func (s *ShardDescriptor) Overlaps(min, max time.Time) bool {
	if !s.HasKeyRange() {
		return false
	}
	return s.Start.Before(max) && min.Before(s.End)
}

// Validate returns an error if the descriptor is incomplete.
func (s *ShardDescriptor) Validate() error {
	if s.ID == "" {
		return &tessera.Error{Code: tessera.EConfiguration, Msg: "shard id required"}
	}
	if s.Target == "" && s.Table == "" {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  fmt.Sprintf("shard %q: target or table required", s.ID),
		}
	}
	if s.HasKeyRange() && !s.Start.Before(s.End) {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  fmt.Sprintf("shard %q: start must precede end", s.ID),
		}
	}
	return nil
}

// StrategyKind names a shard resolution strategy.
type StrategyKind string

const (
	StrategyPropertyValue StrategyKind = "property-value"
	StrategyHash          StrategyKind = "hash"
	StrategyDateRange     StrategyKind = "date-range"
	StrategyAlphabetic    StrategyKind = "alphabetic"
	StrategyComposite     StrategyKind = "composite"
)

// EntityBinding maps an entity type to its sharding strategy and shard-key
// properties.
type EntityBinding struct {
	Entity   string       `toml:"entity"`
	Strategy StrategyKind `toml:"strategy"`
	Keys     []string     `toml:"keys"`
	Mode     StorageMode  `toml:"mode"`

	// ShardCount is required by the hash strategy.
	ShardCount int `toml:"shard-count"`

	// PrimaryKey is the stable identifier used as the implicit final sort key
	// for paginated scatter-gather reads.
	PrimaryKey string `toml:"primary-key"`

	// Temporal validity property names; both empty for non-temporal entities.
	ValidFrom string `toml:"valid-from"`
	ValidTo   string `toml:"valid-to"`

	// Accessor provides field access for this entity type. Supplied by the
	// configuration builder, never from TOML.
	Accessor tessera.Accessor `toml:"-"`
}

// Temporal reports whether the entity carries validity ranges.
func (b *EntityBinding) Temporal() bool { return b.ValidFrom != "" && b.ValidTo != "" }

// Validate returns an error if the binding is incomplete. Every sharded
// entity type must name at least one shard-key property.
func (b *EntityBinding) Validate() error {
	if b.Entity == "" {
		return &tessera.Error{Code: tessera.EConfiguration, Msg: "binding entity required"}
	}
	if len(b.Keys) == 0 {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  fmt.Sprintf("entity %q: at least one shard-key property required", b.Entity),
		}
	}
	switch b.Strategy {
	case StrategyPropertyValue, StrategyDateRange, StrategyAlphabetic, StrategyComposite:
	case StrategyHash:
		if b.ShardCount <= 0 {
			return &tessera.Error{
				Code: tessera.EConfiguration,
				Msg:  fmt.Sprintf("entity %q: hash strategy requires a positive shard-count", b.Entity),
			}
		}
	default:
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  fmt.Sprintf("entity %q: unknown strategy %q", b.Entity, b.Strategy),
		}
	}
	if (b.ValidFrom == "") != (b.ValidTo == "") {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  fmt.Sprintf("entity %q: valid-from and valid-to must be set together", b.Entity),
		}
	}
	return nil
}
