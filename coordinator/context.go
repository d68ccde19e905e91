package coordinator

import (
	"context"
)

type txnContextKey struct{}

// NewContextWithTxn returns a new context carrying the transaction. Nested
// transactional calls that find a transaction on their context join it
// instead of nesting a second two-phase commit.
func NewContextWithTxn(ctx context.Context, txn *Txn) context.Context {
	return context.WithValue(ctx, txnContextKey{}, txn)
}

// TxnFromContext returns the transaction associated with ctx or nil if none
// has been assigned.
func TxnFromContext(ctx context.Context) *Txn {
	t, _ := ctx.Value(txnContextKey{}).(*Txn)
	return t
}
