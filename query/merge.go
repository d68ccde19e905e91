package query

import (
	"sort"

	"github.com/tesseradb/tessera"
)

// Merger combines per-shard result lists into one globally ordered,
// paginated sequence. It is stateless and safe for concurrent use.
type Merger struct {
	// Accessor reads sort-key properties off result entities.
	Accessor tessera.Accessor
}

// NewMerger returns a merger using the given accessor for sort keys.
func NewMerger(accessor tessera.Accessor) *Merger {
	return &Merger{Accessor: accessor}
}

// Merge concatenates the per-shard lists in plan order and applies the
// plan's global ordering and pagination.
//
// Ordering is a stable multi-key sort equivalent to sorting the full
// concatenation: primary key first, then secondary keys in declared order.
// Nulls sort first ascending and last descending. Skip and take are applied
// after sorting, except for single-shard plans whose pagination was already
// pushed down.
func (m *Merger) Merge(plan *Plan, perShard [][]interface{}) []interface{} {
	var total int
	for _, rows := range perShard {
		total += len(rows)
	}
	out := make([]interface{}, 0, total)
	for _, rows := range perShard {
		out = append(out, rows...)
	}

	if len(plan.Sort) > 0 {
		m.sortRows(out, plan.Sort)
	}
	if plan.PushedDown {
		return out
	}
	return paginate(out, plan.Skip, plan.Take)
}

// MergeCounts combines per-shard scalar counts into one total.
func (m *Merger) MergeCounts(counts []int64) int64 {
	var total int64
	for _, c := range counts {
		total += c
	}
	return total
}

func (m *Merger) sortRows(rows []interface{}, fields []SortField) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, f := range fields {
			av, _ := m.Accessor.Field(rows[i], f.Property)
			bv, _ := m.Accessor.Field(rows[j], f.Property)

			// Compare treats nil as less than any value, so inverting the
			// whole comparison for descending keys lands nulls last there.
			c := tessera.Compare(av, bv)
			if f.Descending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func paginate(rows []interface{}, skip, take int) []interface{} {
	if skip > 0 {
		if skip >= len(rows) {
			return nil
		}
		rows = rows[skip:]
	}
	if take > 0 && take < len(rows) {
		rows = rows[:take]
	}
	return rows
}
