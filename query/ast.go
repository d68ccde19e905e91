// Package query turns host filter expressions into shard execution plans and
// merges per-shard results back into one globally ordered sequence.
//
// The filter representation is a small boolean AST (AND/OR/NOT over property
// comparisons) independent of any host query language; the host adapter is
// expected to translate its native expressions into it.
package query

import (
	"fmt"
	"strings"
)

// CompareOp is a comparison operator in a filter leaf.
type CompareOp int

const (
	EQ CompareOp = iota
	NEQ
	LT
	LTE
	GT
	GTE
)

var compareOpStrings = [...]string{"=", "!=", "<", "<=", ">", ">="}

// String returns the operator's SQL-ish form.
func (op CompareOp) String() string {
	if int(op) < len(compareOpStrings) {
		return compareOpStrings[op]
	}
	return fmt.Sprintf("CompareOp(%d)", int(op))
}

// Expr is a node in the filter tree.
type Expr interface {
	String() string
	expr()
}

// Comparison is a filter leaf: property op value.
type Comparison struct {
	Property string
	Op       CompareOp
	Value    interface{}
}

func (*Comparison) expr() {}

// String returns the leaf in infix form.
func (c *Comparison) String() string {
	return fmt.Sprintf("%s %s %v", c.Property, c.Op, c.Value)
}

// LogicalOp joins two filter subtrees.
type LogicalOp int

const (
	AND LogicalOp = iota
	OR
)

// String returns the operator keyword.
func (op LogicalOp) String() string {
	if op == AND {
		return "AND"
	}
	return "OR"
}

// BinaryExpr is an AND/OR node.
type BinaryExpr struct {
	Op       LogicalOp
	LHS, RHS Expr
}

func (*BinaryExpr) expr() {}

// String returns the subtree in parenthesised infix form.
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.LHS, b.Op, b.RHS)
}

// NotExpr negates a subtree.
type NotExpr struct {
	Expr Expr
}

func (*NotExpr) expr() {}

// String returns the negated subtree.
func (n *NotExpr) String() string {
	return fmt.Sprintf("NOT (%s)", n.Expr)
}

// Eq builds property = value.
func Eq(property string, value interface{}) Expr {
	return &Comparison{Property: property, Op: EQ, Value: value}
}

// Neq builds property != value.
func Neq(property string, value interface{}) Expr {
	return &Comparison{Property: property, Op: NEQ, Value: value}
}

// Lt builds property < value.
func Lt(property string, value interface{}) Expr {
	return &Comparison{Property: property, Op: LT, Value: value}
}

// Lte builds property <= value.
func Lte(property string, value interface{}) Expr {
	return &Comparison{Property: property, Op: LTE, Value: value}
}

// Gt builds property > value.
func Gt(property string, value interface{}) Expr {
	return &Comparison{Property: property, Op: GT, Value: value}
}

// Gte builds property >= value.
func Gte(property string, value interface{}) Expr {
	return &Comparison{Property: property, Op: GTE, Value: value}
}

// And folds the given expressions into a left-deep AND chain. Nils are
// skipped; And() returns nil.
func And(exprs ...Expr) Expr {
	var out Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if out == nil {
			out = e
			continue
		}
		out = &BinaryExpr{Op: AND, LHS: out, RHS: e}
	}
	return out
}

// Or joins two expressions.
func Or(lhs, rhs Expr) Expr {
	if lhs == nil {
		return rhs
	}
	if rhs == nil {
		return lhs
	}
	return &BinaryExpr{Op: OR, LHS: lhs, RHS: rhs}
}

// Not negates an expression.
func Not(e Expr) Expr {
	return &NotExpr{Expr: e}
}

// Properties returns the distinct property names referenced anywhere in the
// tree, in first-appearance order.
func Properties(e Expr) []string {
	var (
		out  []string
		seen = map[string]struct{}{}
	)
	var visit func(Expr)
	visit = func(e Expr) {
		switch v := e.(type) {
		case *Comparison:
			if _, ok := seen[v.Property]; !ok {
				seen[v.Property] = struct{}{}
				out = append(out, v.Property)
			}
		case *BinaryExpr:
			visit(v.LHS)
			visit(v.RHS)
		case *NotExpr:
			visit(v.Expr)
		}
	}
	if e != nil {
		visit(e)
	}
	return out
}

// SortField is one key of a global ordering.
type SortField struct {
	Property   string
	Descending bool
}

// String renders the sort key.
func (f SortField) String() string {
	if f.Descending {
		return f.Property + " DESC"
	}
	return f.Property + " ASC"
}

// SortFields renders an ordering list for diagnostics.
func SortFields(fields []SortField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}
