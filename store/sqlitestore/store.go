// Package sqlitestore is the SQLite shard adapter. It executes bound
// sub-queries over database/sql and implements the two-phase commit
// participant contract with a durable staging table, so prepared writes
// survive a restart.
package sqlitestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/query"
	"github.com/tesseradb/tessera/store"
	"go.uber.org/zap"
)

// Store opens SQLite-backed sessions per shard descriptor. Databases are
// pooled by target DSN, so table-mode shards in one file share a pool while
// database-mode shards each get their own.
type Store struct {
	mu  sync.Mutex
	dbs map[string]*sqlx.DB

	logger *zap.Logger
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		dbs:    make(map[string]*sqlx.DB),
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on s.
func (s *Store) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "sqlitestore"))
}

// DB returns the pooled database for a target DSN, opening it on first use.
func (s *Store) DB(target string) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[target]; ok {
		return db, nil
	}
	db, err := sqlx.Open("sqlite3", target)
	if err != nil {
		return nil, &tessera.Error{
			Code: tessera.EShardOperation,
			Op:   "sqlitestore.DB",
			Msg:  fmt.Sprintf("open %q", target),
			Err:  err,
		}
	}
	s.dbs[target] = db
	return db, nil
}

// Session implements store.Store.
func (s *Store) Session(ctx context.Context, sd meta.ShardDescriptor) (store.Session, error) {
	db, err := s.DB(sd.Target)
	if err != nil {
		return nil, err
	}
	return &session{db: db, shard: sd}, nil
}

// Close closes all pooled databases.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for target, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, target)
	}
	return firstErr
}

type session struct {
	db    *sqlx.DB
	shard meta.ShardDescriptor
}

// table resolves the physical table for an entity on this shard.
func (s *session) table(entity string) (string, error) {
	name := s.shard.Table
	if name == "" {
		name = entity
	}
	return qualifiedTable(s.shard.Schema, name)
}

// Query implements store.Session.
func (s *session) Query(ctx context.Context, q query.ShardQuery) ([]interface{}, error) {
	table, err := s.table(q.Entity)
	if err != nil {
		return nil, s.operr("query", err)
	}
	stmt, args, err := buildSelect(table, q)
	if err != nil {
		return nil, s.operr("query", err)
	}

	rows, err := s.db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.operr("query", err)
	}
	defer rows.Close()

	var out []interface{}
	for rows.Next() {
		row := tessera.Row{}
		if err := rows.MapScan(row); err != nil {
			return nil, s.operr("query", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.operr("query", err)
	}
	return out, nil
}

// Count implements store.Session.
func (s *session) Count(ctx context.Context, q query.ShardQuery) (int64, error) {
	table, err := s.table(q.Entity)
	if err != nil {
		return 0, s.operr("count", err)
	}
	stmt, args, err := buildCount(table, q)
	if err != nil {
		return 0, s.operr("count", err)
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, stmt, args...); err != nil {
		return 0, s.operr("count", err)
	}
	return n, nil
}

// Apply implements store.Session: the writes run in one local transaction.
func (s *session) Apply(ctx context.Context, writes []store.Write) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.operr("apply", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		table, err := s.table(w.Entity)
		if err != nil {
			return s.operr("apply", err)
		}
		if err := applyWrite(ctx, tx, table, w); err != nil {
			return s.operr("apply", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.operr("apply", err)
	}
	return nil
}

// Close implements store.Session. The pooled database stays open.
func (s *session) Close() error { return nil }

func (s *session) operr(op string, err error) error {
	return &tessera.Error{
		Code: tessera.EShardOperation,
		Op:   "sqlitestore." + op,
		Msg:  fmt.Sprintf("shard %q", s.shard.ID),
		Err:  err,
	}
}

// applyWrite executes one row mutation inside tx.
func applyWrite(ctx context.Context, tx *sqlx.Tx, table string, w store.Write) error {
	switch w.Op {
	case store.OpDelete:
		key := w.Key
		if key == "" {
			return fmt.Errorf("delete on %s requires a key column", table)
		}
		if err := validIdent(key); err != nil {
			return err
		}
		stmt, args, err := sq.Delete(table).
			Where(sq.Eq{fmt.Sprintf("%q", key): w.Row[key]}).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, stmt, args...)
		return err
	default:
		cols := make([]string, 0, len(w.Row))
		for col := range w.Row {
			if err := validIdent(col); err != nil {
				return err
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)

		values := make([]interface{}, len(cols))
		quoted := make([]string, len(cols))
		for i, col := range cols {
			values[i] = w.Row[col]
			quoted[i] = fmt.Sprintf("%q", col)
		}
		stmt, args, err := sq.Insert(table).
			Options("OR REPLACE").
			Columns(quoted...).
			Values(values...).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, stmt, args...)
		return err
	}
}
