package query_test

import (
	"testing"
	"time"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/query"
)

func newPlanner(t *testing.T) *query.Planner {
	t.Helper()
	shards := []meta.ShardDescriptor{
		{ID: "orders-0", Target: "orders.db"},
		{ID: "orders-1", Target: "orders.db"},
		{ID: "orders-2", Target: "orders.db"},
		{ID: "orders-3", Target: "orders.db"},
	}
	bindings := []meta.EntityBinding{
		{
			Entity:     "order",
			Strategy:   meta.StrategyHash,
			Keys:       []string{"order_id"},
			ShardCount: 4,
			PrimaryKey: "id",
			Accessor:   tessera.RowAccessor{},
		},
		{
			Entity:     "price",
			Strategy:   meta.StrategyHash,
			Keys:       []string{"sku"},
			ShardCount: 4,
			PrimaryKey: "id",
			ValidFrom:  "valid_from",
			ValidTo:    "valid_to",
			Accessor:   tessera.RowAccessor{},
		},
	}
	reg, err := meta.NewRegistry(shards, bindings)
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	p, err := query.NewPlanner(reg)
	if err != nil {
		t.Fatalf("unexpected planner error: %v", err)
	}
	return p
}

func TestPlanner_EqualityPrunesToOneShard(t *testing.T) {
	p := newPlanner(t)

	plan, err := p.Plan("order", query.Eq("order_id", "o-42"), query.ReadOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, exp := len(plan.Queries), 1; got != exp {
		t.Fatalf("plan has %d shard queries, exp %d", got, exp)
	}
}

func TestPlanner_FanOutWithoutKeyConstraint(t *testing.T) {
	p := newPlanner(t)

	plan, err := p.Plan("order", query.Gt("amount", 10), query.ReadOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, exp := len(plan.Queries), 4; got != exp {
		t.Fatalf("plan has %d shard queries, exp %d (fan-out)", got, exp)
	}
}

func TestPlanner_OrderedPaginationCapsPerShard(t *testing.T) {
	p := newPlanner(t)

	plan, err := p.Plan("order", nil, query.ReadOptions{
		OrderBy: []query.SortField{{Property: "amount"}},
		Skip:    10,
		Take:    5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.PushedDown {
		t.Fatal("ordered multi-shard pagination must not be pushed down whole")
	}
	for _, sq := range plan.Queries {
		// Each shard is capped at skip+take; skip stays with the merger.
		if sq.Limit != 15 || sq.Offset != 0 {
			t.Fatalf("shard %s limit=%d offset=%d, exp limit=15 offset=0", sq.Shard.ID, sq.Limit, sq.Offset)
		}
	}

	// The primary key rides along as the implicit final sort key so shard
	// caps cut on a deterministic boundary.
	if got := len(plan.Sort); got != 2 {
		t.Fatalf("plan sort has %d keys, exp 2", got)
	}
	if last := plan.Sort[len(plan.Sort)-1]; last.Property != "id" || last.Descending {
		t.Fatalf("implicit tie-break = %+v, exp id ascending", last)
	}
	for _, sq := range plan.Queries {
		if len(sq.Sort) != len(plan.Sort) {
			t.Fatalf("shard %s local sort has %d keys, exp the plan's %d", sq.Shard.ID, len(sq.Sort), len(plan.Sort))
		}
	}
}

func TestPlanner_SingleShardPushDown(t *testing.T) {
	p := newPlanner(t)

	plan, err := p.Plan("order", query.Eq("order_id", "o-42"), query.ReadOptions{
		Skip: 10,
		Take: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.PushedDown {
		t.Fatal("unordered single-shard pagination should push down whole")
	}
	sq := plan.Queries[0]
	if sq.Limit != 5 || sq.Offset != 10 {
		t.Fatalf("limit=%d offset=%d, exp limit=5 offset=10", sq.Limit, sq.Offset)
	}
}

func TestPlanner_UnboundEntity(t *testing.T) {
	p := newPlanner(t)

	_, err := p.Plan("invoice", nil, query.ReadOptions{})
	if err == nil {
		t.Fatal("expected error for unbound entity")
	}
	if code := tessera.ErrorCode(err); code != tessera.EConfiguration {
		t.Fatalf("error code = %q, exp %q", code, tessera.EConfiguration)
	}
}

func TestPlanner_TemporalFilterInjected(t *testing.T) {
	p := newPlanner(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	plan, err := p.Plan("price", query.Eq("sku", "widget"), query.ReadOptions{At: &at})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	props := query.Properties(plan.Queries[0].Filter)
	want := map[string]bool{}
	for _, prop := range props {
		want[prop] = true
	}
	if !want["valid_from"] || !want["valid_to"] {
		t.Fatalf("filter properties = %v, exp implicit validity constraints", props)
	}
}

func TestPlanner_AllVersionsSkipsTemporalFilter(t *testing.T) {
	p := newPlanner(t)

	plan, err := p.Plan("price", query.Eq("sku", "widget"), query.ReadOptions{AllVersions: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, prop := range query.Properties(plan.Queries[0].Filter) {
		if prop == "valid_from" || prop == "valid_to" {
			t.Fatalf("all-versions read still filters on %s", prop)
		}
	}
}

func TestPlanner_BestEffortCarriedOnPlan(t *testing.T) {
	p := newPlanner(t)

	plan, err := p.Plan("order", nil, query.ReadOptions{BestEffort: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.BestEffort {
		t.Fatal("plan did not carry the best-effort policy")
	}
}

func TestPlanner_PlanWrite(t *testing.T) {
	p := newPlanner(t)

	sd, err := p.PlanWrite("order", tessera.Row{"order_id": "o-42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The write shard is the same shard an equality read resolves to.
	plan, err := p.Plan("order", query.Eq("order_id", "o-42"), query.ReadOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Queries[0].Shard.ID != sd.ID {
		t.Fatalf("write shard %q != read shard %q", sd.ID, plan.Queries[0].Shard.ID)
	}
}
