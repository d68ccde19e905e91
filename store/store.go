// Package store defines the boundary between the engine and the per-shard
// persistence adapters. The engine never talks to a database directly; it
// opens a Session for a shard descriptor and hands it bound sub-queries or
// writes.
package store

import (
	"context"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/query"
)

// Store opens sessions against physical shards.
type Store interface {
	// Session opens a session for the given shard. Every concurrently
	// running shard task gets its own session; sessions are never shared.
	Session(ctx context.Context, sd meta.ShardDescriptor) (Session, error)
}

// Session executes bound sub-queries and local writes against one shard.
type Session interface {
	// Query executes the bound sub-query and returns entity rows.
	Query(ctx context.Context, q query.ShardQuery) ([]interface{}, error)

	// Count executes the bound sub-query as a scalar count.
	Count(ctx context.Context, q query.ShardQuery) (int64, error)

	// Apply runs the writes in one ordinary local transaction. Used for
	// single-shard writes that need no cross-shard coordination.
	Apply(ctx context.Context, writes []Write) error

	// Close releases the session.
	Close() error
}

// WriteOp is the kind of a logical write.
type WriteOp int

const (
	// OpUpsert inserts the row, replacing any existing row with the same
	// primary key.
	OpUpsert WriteOp = iota
	// OpDelete removes the row identified by the primary key value.
	OpDelete
)

// String returns the op name.
func (op WriteOp) String() string {
	if op == OpDelete {
		return "delete"
	}
	return "upsert"
}

// Write is one logical row mutation bound for a shard.
type Write struct {
	Entity string
	Op     WriteOp

	// Row carries the full row for upserts and at least the primary key
	// column for deletes.
	Row tessera.Row

	// Key names the primary key column used by deletes and upsert conflict
	// resolution.
	Key string
}

// Phase is a participant's durably recorded position in the two-phase commit
// protocol.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePrepared
	PhaseCommitted
	PhaseRolledBack
)

var phaseNames = [...]string{"none", "prepared", "committed", "rolled-back"}

// String returns the lowercase phase name.
func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Participant is one shard's side of a cross-shard transaction. Participants
// never unilaterally decide commit or abort; they only follow the
// coordinator's instructions and answer recovery probes.
type Participant interface {
	// ShardID identifies the participant's shard in errors and decisions.
	ShardID() string

	// Prepare durably stages the transaction's pending writes without
	// finalizing them. After a successful Prepare the participant must be
	// able to either Commit or Rollback, even across a restart.
	Prepare(ctx context.Context, txnID string, writes []Write) error

	// Commit finalizes previously prepared writes.
	Commit(ctx context.Context, txnID string) error

	// Rollback discards previously prepared writes. Rolling back a
	// transaction that was never prepared is a no-op.
	Rollback(ctx context.Context, txnID string) error

	// LastPhase reports the participant's durably recorded phase for the
	// transaction, for recovery scans.
	LastPhase(ctx context.Context, txnID string) (Phase, error)
}
