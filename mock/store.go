// Package mock provides function-field fakes for the store boundary
// interfaces, used across the engine's tests.
package mock

import (
	"context"
	"sync"

	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/query"
	"github.com/tesseradb/tessera/store"
)

// Store is a mockable store.Store.
type Store struct {
	SessionFn func(ctx context.Context, sd meta.ShardDescriptor) (store.Session, error)
}

// Session implements store.Store.
func (s *Store) Session(ctx context.Context, sd meta.ShardDescriptor) (store.Session, error) {
	return s.SessionFn(ctx, sd)
}

// Session is a mockable store.Session.
type Session struct {
	QueryFn func(ctx context.Context, q query.ShardQuery) ([]interface{}, error)
	CountFn func(ctx context.Context, q query.ShardQuery) (int64, error)
	ApplyFn func(ctx context.Context, writes []store.Write) error
	CloseFn func() error
}

// Query implements store.Session.
func (s *Session) Query(ctx context.Context, q query.ShardQuery) ([]interface{}, error) {
	return s.QueryFn(ctx, q)
}

// Count implements store.Session.
func (s *Session) Count(ctx context.Context, q query.ShardQuery) (int64, error) {
	return s.CountFn(ctx, q)
}

// Apply implements store.Session.
func (s *Session) Apply(ctx context.Context, writes []store.Write) error {
	return s.ApplyFn(ctx, writes)
}

// Close implements store.Session.
func (s *Session) Close() error {
	if s.CloseFn == nil {
		return nil
	}
	return s.CloseFn()
}

// Participant is an in-memory store.Participant with optional fault
// injection hooks. Its zero value is usable after SetShardID.
type Participant struct {
	ID string

	// Fault hooks; a nil hook means the operation succeeds.
	PrepareFn  func(ctx context.Context, txnID string, writes []store.Write) error
	CommitFn   func(ctx context.Context, txnID string) error
	RollbackFn func(ctx context.Context, txnID string) error

	mu        sync.Mutex
	phases    map[string]store.Phase
	staged    map[string][]store.Write
	committed []store.Write
}

// NewParticipant returns an in-memory participant for the shard id.
func NewParticipant(id string) *Participant {
	return &Participant{
		ID:     id,
		phases: make(map[string]store.Phase),
		staged: make(map[string][]store.Write),
	}
}

// ShardID implements store.Participant.
func (p *Participant) ShardID() string { return p.ID }

// Prepare implements store.Participant.
func (p *Participant) Prepare(ctx context.Context, txnID string, writes []store.Write) error {
	if p.PrepareFn != nil {
		if err := p.PrepareFn(ctx, txnID, writes); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged[txnID] = writes
	p.phases[txnID] = store.PhasePrepared
	return nil
}

// Commit implements store.Participant.
func (p *Participant) Commit(ctx context.Context, txnID string) error {
	if p.CommitFn != nil {
		if err := p.CommitFn(ctx, txnID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phases[txnID] == store.PhaseCommitted {
		return nil
	}
	p.committed = append(p.committed, p.staged[txnID]...)
	delete(p.staged, txnID)
	p.phases[txnID] = store.PhaseCommitted
	return nil
}

// Rollback implements store.Participant.
func (p *Participant) Rollback(ctx context.Context, txnID string) error {
	if p.RollbackFn != nil {
		if err := p.RollbackFn(ctx, txnID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.staged, txnID)
	p.phases[txnID] = store.PhaseRolledBack
	return nil
}

// LastPhase implements store.Participant.
func (p *Participant) LastPhase(ctx context.Context, txnID string) (store.Phase, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phases[txnID], nil
}

// CommittedWrites returns every write the participant has finalized.
func (p *Participant) CommittedWrites() []store.Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Write, len(p.committed))
	copy(out, p.committed)
	return out
}

// StagedWrites returns the writes currently prepared for a transaction.
func (p *Participant) StagedWrites(txnID string) []store.Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Write, len(p.staged[txnID]))
	copy(out, p.staged[txnID])
	return out
}
