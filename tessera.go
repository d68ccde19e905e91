// Package tessera is a sharded data engine. It presents a single logical data
// set to the caller while physically partitioning rows across multiple tables
// or databases, with an optional point-in-time versioning layer.
//
// The engine is organised as a pipeline. Reads flow through predicate
// extraction (query), shard resolution (shard, meta), planning (query),
// bounded parallel execution (coordinator) and a global merge (query). Writes
// resolve to exactly one shard, or run through the two-phase commit
// coordinator when more than one shard is touched.
//
// tessera delegates actual storage to per-shard adapters (store); it is not a
// storage engine and not a consensus protocol.
package tessera

// Row is the generic record shape exchanged with shard stores. Entities may be
// arbitrary values as long as an Accessor is registered for their type; Row is
// the common currency for adapters that return column-keyed results.
type Row map[string]interface{}

// Accessor provides field access for a bound entity type. Implementations are
// explicit per-type objects supplied at configuration time; the engine never
// falls back to runtime reflection.
type Accessor interface {
	// Field returns the named property of entity. The second return is false
	// when the property does not exist on the entity.
	Field(entity interface{}, property string) (interface{}, bool)
}

// RowAccessor is the Accessor for Row-shaped entities.
type RowAccessor struct{}

// Field implements Accessor.
func (RowAccessor) Field(entity interface{}, property string) (interface{}, bool) {
	row, ok := entity.(Row)
	if !ok {
		return nil, false
	}
	v, ok := row[property]
	return v, ok
}

// AccessorFunc adapts a function to the Accessor interface.
type AccessorFunc func(entity interface{}, property string) (interface{}, bool)

// Field implements Accessor.
func (fn AccessorFunc) Field(entity interface{}, property string) (interface{}, bool) {
	return fn(entity, property)
}
