package query

import (
	"github.com/tesseradb/tessera"
)

// Extract walks a filter tree and returns the per-property constraints that
// can safely prune shards. Only comparisons reachable through a chain of
// top-level ANDs contribute; any property touched inside an OR or NOT subtree
// is marked Unknown. The result errs on the side of over-inclusion: a shard
// may be queried needlessly, but never skipped wrongly.
func Extract(e Expr) tessera.Predicates {
	preds := tessera.Predicates{}
	if e == nil {
		return preds
	}
	extract(e, true, preds)
	return preds
}

func extract(e Expr, conjunctive bool, preds tessera.Predicates) {
	switch v := e.(type) {
	case *Comparison:
		if !conjunctive {
			preds[v.Property] = tessera.Unknown()
			return
		}
		switch v.Op {
		case EQ:
			preds.Tighten(v.Property, tessera.Equals(v.Value))
		case LT:
			preds.Tighten(v.Property, tessera.Range(nil, v.Value, false, false))
		case LTE:
			preds.Tighten(v.Property, tessera.Range(nil, v.Value, false, true))
		case GT:
			preds.Tighten(v.Property, tessera.Range(v.Value, nil, false, false))
		case GTE:
			preds.Tighten(v.Property, tessera.Range(v.Value, nil, true, false))
		default:
			// NEQ excludes a single point, which prunes nothing.
			preds[v.Property] = tessera.Unknown()
		}
	case *BinaryExpr:
		child := conjunctive && v.Op == AND
		extract(v.LHS, child, preds)
		extract(v.RHS, child, preds)
	case *NotExpr:
		extract(v.Expr, false, preds)
	}
}
