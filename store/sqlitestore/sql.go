package sqlitestore

import (
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
	"github.com/tesseradb/tessera/query"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent rejects anything that is not a plain SQL identifier. Property
// and table names come from configuration and the host filter tree, never
// from row data, but they are still interpolated into SQL text.
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// qualifiedTable renders schema.table with both parts validated and quoted.
func qualifiedTable(schema, table string) (string, error) {
	if err := validIdent(table); err != nil {
		return "", err
	}
	if schema == "" {
		return fmt.Sprintf("%q", table), nil
	}
	if err := validIdent(schema); err != nil {
		return "", err
	}
	return fmt.Sprintf("%q.%q", schema, table), nil
}

// buildSelect renders a shard sub-query as a SELECT statement.
func buildSelect(table string, q query.ShardQuery) (string, []interface{}, error) {
	builder := sq.Select("*").From(table)

	if q.Filter != nil {
		pred, err := filterSqlizer(q.Filter)
		if err != nil {
			return "", nil, err
		}
		builder = builder.Where(pred)
	}
	for _, f := range q.Sort {
		if err := validIdent(f.Property); err != nil {
			return "", nil, err
		}
		if f.Descending {
			builder = builder.OrderBy(fmt.Sprintf("%q DESC", f.Property))
		} else {
			builder = builder.OrderBy(fmt.Sprintf("%q", f.Property))
		}
	}

	switch {
	case q.Limit > 0:
		builder = builder.Limit(uint64(q.Limit))
		if q.Offset > 0 {
			builder = builder.Offset(uint64(q.Offset))
		}
	case q.Offset > 0:
		// SQLite only accepts OFFSET after a LIMIT; -1 means unlimited.
		builder = builder.Suffix(fmt.Sprintf("LIMIT -1 OFFSET %d", q.Offset))
	}
	return builder.ToSql()
}

// buildCount renders a shard sub-query as a COUNT(*) statement.
func buildCount(table string, q query.ShardQuery) (string, []interface{}, error) {
	builder := sq.Select("COUNT(*)").From(table)
	if q.Filter != nil {
		pred, err := filterSqlizer(q.Filter)
		if err != nil {
			return "", nil, err
		}
		builder = builder.Where(pred)
	}
	return builder.ToSql()
}

// filterSqlizer compiles a filter subtree into a squirrel condition.
func filterSqlizer(e query.Expr) (sq.Sqlizer, error) {
	switch v := e.(type) {
	case *query.Comparison:
		if err := validIdent(v.Property); err != nil {
			return nil, err
		}
		col := fmt.Sprintf("%q", v.Property)
		switch v.Op {
		case query.EQ:
			return sq.Eq{col: v.Value}, nil
		case query.NEQ:
			return sq.NotEq{col: v.Value}, nil
		case query.LT:
			return sq.Lt{col: v.Value}, nil
		case query.LTE:
			return sq.LtOrEq{col: v.Value}, nil
		case query.GT:
			return sq.Gt{col: v.Value}, nil
		case query.GTE:
			return sq.GtOrEq{col: v.Value}, nil
		default:
			return nil, fmt.Errorf("unsupported comparison operator %v", v.Op)
		}
	case *query.BinaryExpr:
		lhs, err := filterSqlizer(v.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := filterSqlizer(v.RHS)
		if err != nil {
			return nil, err
		}
		if v.Op == query.AND {
			return sq.And{lhs, rhs}, nil
		}
		return sq.Or{lhs, rhs}, nil
	case *query.NotExpr:
		inner, err := filterSqlizer(v.Expr)
		if err != nil {
			return nil, err
		}
		stmt, args, err := inner.ToSql()
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT ("+stmt+")", args...), nil
	default:
		return nil, fmt.Errorf("unsupported filter node %T", e)
	}
}
