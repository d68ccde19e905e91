package query_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/query"
)

func row(id string, amount interface{}) tessera.Row {
	return tessera.Row{"id": id, "amount": amount}
}

func TestMerger_EqualsSortedConcatenation(t *testing.T) {
	// Three locally sorted shard results; the merged sequence must equal a
	// stable sort of their concatenation.
	perShard := [][]interface{}{
		{row("a", 1), row("d", 40), row("f", 90)},
		{row("b", 5), row("c", 35)},
		{row("e", 50), row("g", 90)},
	}

	var concat []interface{}
	for _, rows := range perShard {
		concat = append(concat, rows...)
	}
	exp := make([]interface{}, len(concat))
	copy(exp, concat)
	sort.SliceStable(exp, func(i, j int) bool {
		return tessera.Compare(exp[i].(tessera.Row)["amount"], exp[j].(tessera.Row)["amount"]) < 0
	})

	m := query.NewMerger(tessera.RowAccessor{})
	plan := &query.Plan{Sort: []query.SortField{{Property: "amount"}}}
	got := m.Merge(plan, perShard)

	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected merge order (-exp/+got):\n%s", diff)
	}
}

func TestMerger_MultiKeyOrdering(t *testing.T) {
	perShard := [][]interface{}{
		{
			tessera.Row{"id": "1", "region": "eu", "amount": 10},
			tessera.Row{"id": "2", "region": "us", "amount": 99},
		},
		{
			tessera.Row{"id": "3", "region": "eu", "amount": 70},
			tessera.Row{"id": "4", "region": "us", "amount": 20},
		},
	}

	m := query.NewMerger(tessera.RowAccessor{})
	plan := &query.Plan{Sort: []query.SortField{
		{Property: "region"},
		{Property: "amount", Descending: true},
	}}
	got := m.Merge(plan, perShard)

	exp := []string{"3", "1", "2", "4"}
	for i, r := range got {
		if id := r.(tessera.Row)["id"]; id != exp[i] {
			t.Fatalf("position %d = %v, exp %s", i, id, exp[i])
		}
	}
}

func TestMerger_NullsFirstAscendingLastDescending(t *testing.T) {
	perShard := [][]interface{}{
		{row("a", 10), row("b", nil)},
		{row("c", 5)},
	}
	m := query.NewMerger(tessera.RowAccessor{})

	asc := m.Merge(&query.Plan{Sort: []query.SortField{{Property: "amount"}}}, perShard)
	if id := asc[0].(tessera.Row)["id"]; id != "b" {
		t.Fatalf("ascending first = %v, exp the null row", id)
	}

	desc := m.Merge(&query.Plan{Sort: []query.SortField{{Property: "amount", Descending: true}}}, perShard)
	if id := desc[len(desc)-1].(tessera.Row)["id"]; id != "b" {
		t.Fatalf("descending last = %v, exp the null row", id)
	}
}

func TestMerger_StableOnTies(t *testing.T) {
	// Rows that tie on every sort key keep their concatenation order.
	perShard := [][]interface{}{
		{tessera.Row{"id": "first", "amount": 7}},
		{tessera.Row{"id": "second", "amount": 7}},
		{tessera.Row{"id": "third", "amount": 7}},
	}
	m := query.NewMerger(tessera.RowAccessor{})
	got := m.Merge(&query.Plan{Sort: []query.SortField{{Property: "amount"}}}, perShard)

	exp := []string{"first", "second", "third"}
	for i, r := range got {
		if id := r.(tessera.Row)["id"]; id != exp[i] {
			t.Fatalf("position %d = %v, exp %s", i, id, exp[i])
		}
	}
}

func TestMerger_PaginationAfterSort(t *testing.T) {
	perShard := [][]interface{}{
		{row("a", 1), row("c", 3), row("e", 5)},
		{row("b", 2), row("d", 4), row("f", 6)},
	}
	m := query.NewMerger(tessera.RowAccessor{})
	plan := &query.Plan{
		Sort: []query.SortField{{Property: "amount"}},
		Skip: 2,
		Take: 3,
	}
	got := m.Merge(plan, perShard)

	exp := []string{"c", "d", "e"}
	if len(got) != len(exp) {
		t.Fatalf("rows = %d, exp %d", len(got), len(exp))
	}
	for i, r := range got {
		if id := r.(tessera.Row)["id"]; id != exp[i] {
			t.Fatalf("position %d = %v, exp %s", i, id, exp[i])
		}
	}

	// Skip past the end yields an empty page, not an error.
	plan.Skip, plan.Take = 100, 10
	if got := m.Merge(plan, perShard); len(got) != 0 {
		t.Fatalf("rows = %d, exp empty page", len(got))
	}
}

func TestMerger_PushedDownSkipsRepagination(t *testing.T) {
	// A single-shard plan already paginated at the shard; reapplying skip
	// would drop rows twice.
	perShard := [][]interface{}{
		{row("c", 3), row("d", 4)},
	}
	m := query.NewMerger(tessera.RowAccessor{})
	plan := &query.Plan{Skip: 2, Take: 2, PushedDown: true}
	got := m.Merge(plan, perShard)

	if len(got) != 2 {
		t.Fatalf("rows = %d, exp 2 untouched rows", len(got))
	}
}

func TestMerger_MergeCounts(t *testing.T) {
	var m query.Merger
	if got, exp := m.MergeCounts([]int64{3, 0, 7}), int64(10); got != exp {
		t.Fatalf("MergeCounts() = %d, exp %d", got, exp)
	}
}
