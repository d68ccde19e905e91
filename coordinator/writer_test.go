package coordinator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/coordinator"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/mock"
	"github.com/tesseradb/tessera/query"
	"github.com/tesseradb/tessera/store"
)

type writerFixture struct {
	planner      *query.Planner
	coord        *coordinator.Coordinator
	writer       *coordinator.Writer
	participants map[string]*mock.Participant

	mu      sync.Mutex
	applied map[string][]store.Write
}

func newWriterFixture(t *testing.T) *writerFixture {
	t.Helper()

	shards := make([]meta.ShardDescriptor, 4)
	for i := range shards {
		shards[i] = meta.ShardDescriptor{ID: fmt.Sprintf("orders-%d", i), Target: "orders.db"}
	}
	reg, err := meta.NewRegistry(shards, []meta.EntityBinding{{
		Entity:     "order",
		Strategy:   meta.StrategyHash,
		Keys:       []string{"order_id"},
		ShardCount: 4,
		PrimaryKey: "order_id",
		Accessor:   tessera.RowAccessor{},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	planner, err := query.NewPlanner(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f := &writerFixture{
		planner:      planner,
		participants: make(map[string]*mock.Participant),
		applied:      make(map[string][]store.Write),
	}
	for _, sd := range shards {
		f.participants[sd.ID] = mock.NewParticipant(sd.ID)
	}

	st := &mock.Store{
		SessionFn: func(ctx context.Context, sd meta.ShardDescriptor) (store.Session, error) {
			return &mock.Session{
				ApplyFn: func(ctx context.Context, writes []store.Write) error {
					f.mu.Lock()
					f.applied[sd.ID] = append(f.applied[sd.ID], writes...)
					f.mu.Unlock()
					return nil
				},
			}, nil
		},
	}

	resolver := coordinator.ParticipantResolverFunc(
		func(ctx context.Context, shardID string) (store.Participant, error) {
			return f.participants[shardID], nil
		})
	f.coord, err = coordinator.NewCoordinator(testConfig(), coordinator.WithParticipantResolver(resolver))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { f.coord.Close() })

	f.writer = coordinator.NewWriter(planner, st, f.coord)
	return f
}

// keysOnDistinctShards finds n keys that each hash to a different shard.
func (f *writerFixture) keysOnDistinctShards(t *testing.T, n int) []string {
	t.Helper()
	seen := map[string]string{}
	var keys []string
	for i := 0; len(keys) < n && i < 10000; i++ {
		key := fmt.Sprintf("o-%d", i)
		sd, err := f.planner.PlanWrite("order", tessera.Row{"order_id": key})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := seen[sd.ID]; ok {
			continue
		}
		seen[sd.ID] = key
		keys = append(keys, key)
	}
	if len(keys) < n {
		t.Fatalf("found only %d distinct shards, exp %d", len(keys), n)
	}
	return keys
}

func (f *writerFixture) totalApplied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, writes := range f.applied {
		n += len(writes)
	}
	return n
}

func (f *writerFixture) totalCommitted() int {
	var n int
	for _, p := range f.participants {
		n += len(p.CommittedWrites())
	}
	return n
}

func TestWriter_SingleShardSkipsCoordination(t *testing.T) {
	f := newWriterFixture(t)

	err := f.writer.Upsert(context.Background(), "order", tessera.Row{"order_id": "o-1", "amount": 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.totalApplied(); got != 1 {
		t.Fatalf("locally applied writes = %d, exp 1", got)
	}
	if got := f.totalCommitted(); got != 0 {
		t.Fatalf("two-phase committed writes = %d, exp 0 for a single shard", got)
	}
}

func TestWriter_MultiShardRunsTwoPhase(t *testing.T) {
	f := newWriterFixture(t)
	keys := f.keysOnDistinctShards(t, 2)

	rows := make([]tessera.Row, len(keys))
	for i, key := range keys {
		rows[i] = tessera.Row{"order_id": key, "amount": i}
	}
	if err := f.writer.Upsert(context.Background(), "order", rows...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.totalApplied(); got != 0 {
		t.Fatalf("locally applied writes = %d, exp 0 for a multi-shard write", got)
	}
	if got := f.totalCommitted(); got != 2 {
		t.Fatalf("two-phase committed writes = %d, exp 2", got)
	}
}

func TestWriter_JoinsAmbientTransaction(t *testing.T) {
	f := newWriterFixture(t)

	txn := f.coord.Begin()
	ctx := coordinator.NewContextWithTxn(context.Background(), txn)

	if err := f.writer.Upsert(ctx, "order", tessera.Row{"order_id": "o-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The write joined the caller's transaction: nothing lands until the
	// owner commits.
	if got := f.totalApplied() + f.totalCommitted(); got != 0 {
		t.Fatalf("writes landed = %d before the owner committed", got)
	}
	if got := len(txn.EnlistedShards()); got != 1 {
		t.Fatalf("enlisted shards = %d, exp 1", got)
	}

	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.totalCommitted(); got != 1 {
		t.Fatalf("committed writes = %d after owner commit, exp 1", got)
	}
}

func TestWriter_UnboundEntity(t *testing.T) {
	f := newWriterFixture(t)

	err := f.writer.Upsert(context.Background(), "invoice", tessera.Row{"id": "x"})
	if err == nil {
		t.Fatal("expected error for unbound entity")
	}
	if code := tessera.ErrorCode(err); code != tessera.EConfiguration {
		t.Fatalf("error code = %q, exp %q", code, tessera.EConfiguration)
	}
}

func TestWriter_DeleteRoutesByKey(t *testing.T) {
	f := newWriterFixture(t)

	if err := f.writer.Delete(context.Background(), "order", tessera.Row{"order_id": "o-9"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, writes := range f.applied {
		for _, w := range writes {
			if w.Op != store.OpDelete {
				t.Fatalf("op = %v, exp delete", w.Op)
			}
		}
	}
}
