package tessera

// ConstraintKind classifies what a query's filter pins down about a property.
type ConstraintKind int

const (
	// ConstraintUnknown means the filter mentions the property but in a shape
	// that cannot be used for pruning (inside OR/NOT, inequality, ...).
	// Unknown is conservative: strategies treat it as "could be anything".
	ConstraintUnknown ConstraintKind = iota
	// ConstraintEquals pins the property to a single value.
	ConstraintEquals
	// ConstraintRange bounds the property to an interval.
	ConstraintRange
)

// Constraint is one property's extracted filter constraint.
type Constraint struct {
	Kind  ConstraintKind
	Value interface{} // Equals

	// Range bounds; nil means unbounded on that side.
	Min, Max                   interface{}
	MinInclusive, MaxInclusive bool
}

// Equals builds an equality constraint.
func Equals(v interface{}) Constraint {
	return Constraint{Kind: ConstraintEquals, Value: v}
}

// Range builds a range constraint. Either bound may be nil.
func Range(min, max interface{}, minInclusive, maxInclusive bool) Constraint {
	return Constraint{
		Kind: ConstraintRange,
		Min:  min, Max: max,
		MinInclusive: minInclusive,
		MaxInclusive: maxInclusive,
	}
}

// Unknown builds an unknown constraint.
func Unknown() Constraint {
	return Constraint{Kind: ConstraintUnknown}
}

// Predicates maps property names to their extracted constraints for one
// entity type in one query.
type Predicates map[string]Constraint

// EqualsValue returns the value the property is pinned to, if any.
func (p Predicates) EqualsValue(property string) (interface{}, bool) {
	c, ok := p[property]
	if !ok || c.Kind != ConstraintEquals {
		return nil, false
	}
	return c.Value, true
}

// RangeOf returns the property's range constraint. A point (equality)
// constraint is returned as the degenerate inclusive range [v, v].
func (p Predicates) RangeOf(property string) (Constraint, bool) {
	c, ok := p[property]
	if !ok {
		return Constraint{}, false
	}
	switch c.Kind {
	case ConstraintRange:
		return c, true
	case ConstraintEquals:
		return Range(c.Value, c.Value, true, true), true
	}
	return Constraint{}, false
}

// Tighten merges c into the property's existing constraint. Two range
// constraints intersect; anything conflicting or uncomparable degrades to
// Unknown, which is always safe.
func (p Predicates) Tighten(property string, c Constraint) {
	prev, ok := p[property]
	if !ok {
		p[property] = c
		return
	}
	if prev.Kind == ConstraintUnknown || c.Kind == ConstraintUnknown {
		p[property] = Unknown()
		return
	}

	pr, _ := p.RangeOf(property)
	cr := c
	if cr.Kind == ConstraintEquals {
		cr = Range(cr.Value, cr.Value, true, true)
	}

	merged := pr
	if cr.Min != nil && (merged.Min == nil || Compare(cr.Min, merged.Min) > 0) {
		merged.Min, merged.MinInclusive = cr.Min, cr.MinInclusive
	}
	if cr.Max != nil && (merged.Max == nil || Compare(cr.Max, merged.Max) < 0) {
		merged.Max, merged.MaxInclusive = cr.Max, cr.MaxInclusive
	}
	if prev.Kind == ConstraintEquals && c.Kind == ConstraintEquals && Compare(prev.Value, c.Value) == 0 {
		// Same point twice stays an equality.
		return
	}
	p[property] = merged
}

// Clone returns a copy of the predicate map.
func (p Predicates) Clone() Predicates {
	out := make(Predicates, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
