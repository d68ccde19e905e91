package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/store"
)

// Schema for the participant's durable transaction state. Prepared writes
// are staged as JSON rows keyed by transaction id; the phase table is the
// participant's answer to recovery probes.
const participantSchema = `
CREATE TABLE IF NOT EXISTS tessera_pending (
	txn_id       TEXT    NOT NULL,
	seq          INTEGER NOT NULL,
	target_table TEXT    NOT NULL,
	op           TEXT    NOT NULL,
	key_col      TEXT    NOT NULL,
	row_json     TEXT    NOT NULL,
	PRIMARY KEY (txn_id, seq)
);
CREATE TABLE IF NOT EXISTS tessera_txn (
	txn_id     TEXT PRIMARY KEY,
	phase      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// Participant is one SQLite shard's side of a cross-shard transaction.
type Participant struct {
	shard meta.ShardDescriptor
	db    *sqlx.DB
}

// NewParticipant binds a participant to a shard, creating the staging tables
// if needed.
func NewParticipant(s *Store, sd meta.ShardDescriptor) (*Participant, error) {
	db, err := s.DB(sd.Target)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(participantSchema); err != nil {
		return nil, &tessera.Error{
			Code: tessera.EShardOperation,
			Op:   "sqlitestore.NewParticipant",
			Msg:  fmt.Sprintf("shard %q: create staging tables", sd.ID),
			Err:  err,
		}
	}
	return &Participant{shard: sd, db: db}, nil
}

// ShardID implements store.Participant.
func (p *Participant) ShardID() string { return p.shard.ID }

// Prepare implements store.Participant. The pending writes and the prepared
// phase record land in one local transaction, so a crash either leaves the
// transaction fully staged or absent.
func (p *Participant) Prepare(ctx context.Context, txnID string, writes []store.Write) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return p.operr("prepare", txnID, err)
	}
	defer tx.Rollback()

	for seq, w := range writes {
		table := p.shard.Table
		if table == "" {
			table = w.Entity
		}
		rowJSON, err := json.Marshal(w.Row)
		if err != nil {
			return p.operr("prepare", txnID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tessera_pending (txn_id, seq, target_table, op, key_col, row_json) VALUES (?, ?, ?, ?, ?, ?)`,
			txnID, seq, table, w.Op.String(), w.Key, string(rowJSON)); err != nil {
			return p.operr("prepare", txnID, err)
		}
	}
	if err := p.setPhase(ctx, tx, txnID, store.PhasePrepared); err != nil {
		return p.operr("prepare", txnID, err)
	}
	if err := tx.Commit(); err != nil {
		return p.operr("prepare", txnID, err)
	}
	return nil
}

// Commit implements store.Participant. Committing an already committed
// transaction is a no-op, so coordinator retries and recovery re-drives are
// safe.
func (p *Participant) Commit(ctx context.Context, txnID string) error {
	phase, err := p.LastPhase(ctx, txnID)
	if err != nil {
		return err
	}
	if phase == store.PhaseCommitted {
		return nil
	}
	if phase != store.PhasePrepared {
		return p.operr("commit", txnID, fmt.Errorf("not prepared (phase %s)", phase))
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return p.operr("commit", txnID, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx,
		`SELECT target_table, op, key_col, row_json FROM tessera_pending WHERE txn_id = ? ORDER BY seq`, txnID)
	if err != nil {
		return p.operr("commit", txnID, err)
	}
	type staged struct {
		table, op, key, rowJSON string
	}
	var pending []staged
	for rows.Next() {
		var st staged
		if err := rows.Scan(&st.table, &st.op, &st.key, &st.rowJSON); err != nil {
			rows.Close()
			return p.operr("commit", txnID, err)
		}
		pending = append(pending, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return p.operr("commit", txnID, err)
	}

	for _, st := range pending {
		var row tessera.Row
		if err := json.Unmarshal([]byte(st.rowJSON), &row); err != nil {
			return p.operr("commit", txnID, err)
		}
		op := store.OpUpsert
		if st.op == store.OpDelete.String() {
			op = store.OpDelete
		}
		table, err := qualifiedTable(p.shard.Schema, st.table)
		if err != nil {
			return p.operr("commit", txnID, err)
		}
		if err := applyWrite(ctx, tx, table, store.Write{Op: op, Row: row, Key: st.key}); err != nil {
			return p.operr("commit", txnID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tessera_pending WHERE txn_id = ?`, txnID); err != nil {
		return p.operr("commit", txnID, err)
	}
	if err := p.setPhase(ctx, tx, txnID, store.PhaseCommitted); err != nil {
		return p.operr("commit", txnID, err)
	}
	if err := tx.Commit(); err != nil {
		return p.operr("commit", txnID, err)
	}
	return nil
}

// Rollback implements store.Participant.
func (p *Participant) Rollback(ctx context.Context, txnID string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return p.operr("rollback", txnID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tessera_pending WHERE txn_id = ?`, txnID); err != nil {
		return p.operr("rollback", txnID, err)
	}
	if err := p.setPhase(ctx, tx, txnID, store.PhaseRolledBack); err != nil {
		return p.operr("rollback", txnID, err)
	}
	if err := tx.Commit(); err != nil {
		return p.operr("rollback", txnID, err)
	}
	return nil
}

// LastPhase implements store.Participant.
func (p *Participant) LastPhase(ctx context.Context, txnID string) (store.Phase, error) {
	var phase string
	err := p.db.GetContext(ctx, &phase, `SELECT phase FROM tessera_txn WHERE txn_id = ?`, txnID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PhaseNone, nil
	}
	if err != nil {
		return store.PhaseNone, p.operr("last-phase", txnID, err)
	}
	for i := store.PhaseNone; i <= store.PhaseRolledBack; i++ {
		if i.String() == phase {
			return i, nil
		}
	}
	return store.PhaseNone, p.operr("last-phase", txnID, fmt.Errorf("unknown phase %q", phase))
}

func (p *Participant) setPhase(ctx context.Context, tx *sqlx.Tx, txnID string, phase store.Phase) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO tessera_txn (txn_id, phase, updated_at) VALUES (?, ?, ?)`,
		txnID, phase.String(), time.Now().UTC())
	return err
}

func (p *Participant) operr(op, txnID string, err error) error {
	return &tessera.Error{
		Code: tessera.ETransaction,
		Op:   "sqlitestore." + op,
		Msg:  fmt.Sprintf("shard %q txn %s", p.shard.ID, txnID),
		Err:  err,
	}
}
