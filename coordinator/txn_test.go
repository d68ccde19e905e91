package coordinator_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/coordinator"
	"github.com/tesseradb/tessera/mock"
	"github.com/tesseradb/tessera/store"
	"github.com/tesseradb/tessera/toml"
)

func testConfig() coordinator.Config {
	config := coordinator.NewConfig()
	config.RetryBackoff = toml.Duration(time.Millisecond)
	config.MaxRetryBackoff = toml.Duration(5 * time.Millisecond)
	return config
}

func newTestCoordinator(t *testing.T, config coordinator.Config, opts ...coordinator.CoordinatorOption) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.NewCoordinator(config, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func upsert(entity, key string) store.Write {
	return store.Write{Entity: entity, Op: store.OpUpsert, Row: tessera.Row{"id": key}, Key: "id"}
}

func TestTxn_EnlistIdempotent(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	txn := c.Begin()

	p := mock.NewParticipant("orders-0")
	for i := 0; i < 3; i++ {
		if err := txn.Enlist(p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got, exp := len(txn.EnlistedShards()), 1; got != exp {
		t.Fatalf("EnlistedShards() = %d, exp %d", got, exp)
	}

	if err := txn.Rollback(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Terminated transactions accept no further enlistments.
	if err := txn.Enlist(mock.NewParticipant("orders-1")); err == nil {
		t.Fatal("expected error enlisting after rollback")
	}
}

func TestTxn_CommitAllShards(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	txn := c.Begin()

	parts := []*mock.Participant{
		mock.NewParticipant("orders-0"),
		mock.NewParticipant("orders-1"),
		mock.NewParticipant("orders-2"),
	}
	for _, p := range parts {
		if err := txn.Enlist(p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := txn.Stage(p.ID, upsert("order", p.ID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, exp := txn.State(), coordinator.StateCommitted; got != exp {
		t.Fatalf("state = %s, exp %s", got, exp)
	}
	for _, p := range parts {
		if got := len(p.CommittedWrites()); got != 1 {
			t.Fatalf("shard %s committed %d writes, exp 1", p.ID, got)
		}
	}
}

func TestTxn_PrepareFailureRollsBackEveryShard(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	txn := c.Begin()

	errDisk := errors.New("disk full")
	good := mock.NewParticipant("orders-0")
	bad := mock.NewParticipant("orders-1")
	bad.PrepareFn = func(ctx context.Context, txnID string, writes []store.Write) error {
		return errDisk
	}

	for _, p := range []*mock.Participant{good, bad} {
		if err := txn.Enlist(p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := txn.Stage(p.ID, upsert("order", p.ID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	err := txn.Commit(context.Background())
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if code := tessera.ErrorCode(err); code != tessera.ETransaction {
		t.Fatalf("error code = %q, exp %q", code, tessera.ETransaction)
	}
	if !errors.Is(err, errDisk) {
		t.Fatalf("error %v does not wrap the prepare cause", err)
	}
	if got, exp := txn.State(), coordinator.StateRolledBack; got != exp {
		t.Fatalf("state = %s, exp %s", got, exp)
	}

	// No shard may retain staged or committed writes.
	for _, p := range []*mock.Participant{good, bad} {
		if got := len(p.CommittedWrites()); got != 0 {
			t.Fatalf("shard %s committed %d writes after abort", p.ID, got)
		}
		if got := len(p.StagedWrites(txn.ID())); got != 0 {
			t.Fatalf("shard %s still has %d staged writes after abort", p.ID, got)
		}
	}
}

func TestTxn_CommitRetriesTransientFailure(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	txn := c.Begin()

	var attempts int32
	flaky := mock.NewParticipant("orders-0")
	flaky.CommitFn = func(ctx context.Context, txnID string) error {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return errors.New("connection reset")
		}
		return nil
	}

	if err := txn.Enlist(flaky); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := txn.Enlist(mock.NewParticipant("orders-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := txn.Stage("orders-0", upsert("order", "a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("commit attempts = %d, exp 3", got)
	}
	if got, exp := txn.State(), coordinator.StateCommitted; got != exp {
		t.Fatalf("state = %s, exp %s", got, exp)
	}
}

func TestTxn_PostDecisionFailureIsInDoubt(t *testing.T) {
	config := testConfig()
	config.CommitRetries = 1

	log, err := coordinator.OpenDecisionLog(filepath.Join(t.TempDir(), "decisions.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := newTestCoordinator(t, config, coordinator.WithDecisionLog(log))
	txn := c.Begin()

	good := mock.NewParticipant("orders-0")
	stuck := mock.NewParticipant("orders-1")
	stuck.CommitFn = func(ctx context.Context, txnID string) error {
		return errors.New("shard unreachable")
	}

	for _, p := range []*mock.Participant{good, stuck} {
		if err := txn.Enlist(p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := txn.Stage(p.ID, upsert("order", p.ID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	err = txn.Commit(context.Background())
	if !errors.Is(err, coordinator.ErrInDoubt) {
		t.Fatalf("error = %v, exp wrapping ErrInDoubt", err)
	}
	if got, exp := txn.State(), coordinator.StateInDoubt; got != exp {
		t.Fatalf("state = %s, exp %s", got, exp)
	}

	// The decision stands: the reachable shard committed, the other one is
	// flagged for recovery and the decision record is retained.
	if got := len(good.CommittedWrites()); got != 1 {
		t.Fatalf("reachable shard committed %d writes, exp 1", got)
	}
	statuses := txn.ParticipantStatuses()
	if got, exp := statuses["orders-1"], coordinator.StatusInDoubt; got != exp {
		t.Fatalf("orders-1 status = %s, exp %s", got, exp)
	}
	decisions, err := log.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 1 || decisions[0].TxnID != txn.ID() {
		t.Fatalf("decision log = %+v, exp retained record for %s", decisions, txn.ID())
	}
}

func TestTxn_RecoveryRedrivesDecidedTransaction(t *testing.T) {
	config := testConfig()
	config.CommitRetries = 0

	log, err := coordinator.OpenDecisionLog(filepath.Join(t.TempDir(), "decisions.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	good := mock.NewParticipant("orders-0")
	stuck := mock.NewParticipant("orders-1")
	unreachable := errors.New("shard unreachable")
	stuck.CommitFn = func(ctx context.Context, txnID string) error { return unreachable }

	participants := map[string]*mock.Participant{good.ID: good, stuck.ID: stuck}
	resolver := coordinator.ParticipantResolverFunc(
		func(ctx context.Context, shardID string) (store.Participant, error) {
			return participants[shardID], nil
		})

	c := newTestCoordinator(t, config,
		coordinator.WithDecisionLog(log),
		coordinator.WithParticipantResolver(resolver))

	txn := c.Begin()
	for _, p := range []*mock.Participant{good, stuck} {
		if err := txn.Enlist(p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := txn.Stage(p.ID, upsert("order", p.ID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := txn.Commit(context.Background()); !errors.Is(err, coordinator.ErrInDoubt) {
		t.Fatalf("error = %v, exp wrapping ErrInDoubt", err)
	}

	// The shard comes back; the recovery scan finishes the delivery.
	stuck.CommitFn = nil
	resolved, err := c.Recover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, exp 1", resolved)
	}
	if got := len(stuck.CommittedWrites()); got != 1 {
		t.Fatalf("recovered shard committed %d writes, exp 1", got)
	}
	decisions, err := log.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 0 {
		t.Fatalf("decision log still holds %d records after recovery", len(decisions))
	}
}

func TestTxn_RecoverySurfacesContradiction(t *testing.T) {
	config := testConfig()
	config.CommitRetries = 0

	log, err := coordinator.OpenDecisionLog(filepath.Join(t.TempDir(), "decisions.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := log.Record(coordinator.Decision{
		TxnID:     "txn-lost",
		Shards:    []string{"orders-0"},
		DecidedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The participant has no prepared state for the decided transaction.
	amnesiac := mock.NewParticipant("orders-0")
	resolver := coordinator.ParticipantResolverFunc(
		func(ctx context.Context, shardID string) (store.Participant, error) {
			return amnesiac, nil
		})

	c := newTestCoordinator(t, config,
		coordinator.WithDecisionLog(log),
		coordinator.WithParticipantResolver(resolver))

	resolved, err := c.Recover(context.Background())
	if err == nil {
		t.Fatal("expected recovery to surface the contradiction")
	}
	if code := tessera.ErrorCode(err); code != tessera.ERecovery {
		t.Fatalf("error code = %q, exp %q", code, tessera.ERecovery)
	}
	if resolved != 0 {
		t.Fatalf("resolved = %d, exp 0", resolved)
	}
}

func TestTxn_RollbackBestEffort(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	txn := c.Begin()

	good := mock.NewParticipant("orders-0")
	bad := mock.NewParticipant("orders-1")
	bad.RollbackFn = func(ctx context.Context, txnID string) error {
		return errors.New("shard unreachable")
	}
	for _, p := range []*mock.Participant{good, bad} {
		if err := txn.Enlist(p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Partial rollback failure is tolerated.
	if err := txn.Rollback(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, exp := txn.State(), coordinator.StateRolledBack; got != exp {
		t.Fatalf("state = %s, exp %s", got, exp)
	}

	// When every participant fails, rollback reports it.
	txn = c.Begin()
	only := mock.NewParticipant("orders-2")
	only.RollbackFn = bad.RollbackFn
	if err := txn.Enlist(only); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := txn.Rollback(context.Background())
	if err == nil {
		t.Fatal("expected rollback to fail")
	}
	if code := tessera.ErrorCode(err); code != tessera.ETransaction {
		t.Fatalf("error code = %q, exp %q", code, tessera.ETransaction)
	}
}

func TestTxn_PrepareTimeoutLeavesPreparedShardsPrepared(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	txn := c.Begin(coordinator.WithTimeout(25 * time.Millisecond))

	fast := mock.NewParticipant("orders-0")
	slow := mock.NewParticipant("orders-1")
	slow.PrepareFn = func(ctx context.Context, txnID string, writes []store.Write) error {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, p := range []*mock.Participant{fast, slow} {
		if err := txn.Enlist(p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := txn.Stage(p.ID, upsert("order", p.ID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	err := txn.Commit(context.Background())
	if err == nil {
		t.Fatal("expected commit to time out")
	}
	if code := tessera.ErrorCode(err); code != tessera.ETimeout {
		t.Fatalf("error code = %q, exp %q", code, tessera.ETimeout)
	}
	if got, exp := txn.State(), coordinator.StateTimedOut; got != exp {
		t.Fatalf("state = %s, exp %s", got, exp)
	}

	// A timeout is not a rollback: the fast shard's prepared state survives.
	phase, err := fast.LastPhase(context.Background(), txn.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if phase != store.PhasePrepared {
		t.Fatalf("fast shard phase = %s, exp %s", phase, store.PhasePrepared)
	}
}

func TestConfig_Validate(t *testing.T) {
	config := coordinator.NewConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	config.TransactionTimeout = 0
	if err := config.Validate(); err == nil {
		t.Fatal("expected error for zero transaction-timeout")
	}

	config = coordinator.NewConfig()
	config.RecoveryEnabled = true
	if err := config.Validate(); err == nil {
		t.Fatal("expected error for recovery without decision-log-path")
	}
}
