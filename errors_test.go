package tessera_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tesseradb/tessera"
)

func TestError_Error(t *testing.T) {
	err := &tessera.Error{
		Code: tessera.EShardOperation,
		Op:   "coordinator.Query",
		Msg:  `shard "orders-1" failed`,
		Err:  errors.New("io error"),
	}
	if got, exp := err.Error(), `coordinator.Query: shard "orders-1" failed: io error`; got != exp {
		t.Fatalf("Error() = %q, exp %q", got, exp)
	}
}

func TestErrorCode(t *testing.T) {
	inner := &tessera.Error{Code: tessera.EShardNotFound, Msg: "no shard"}
	wrapped := fmt.Errorf("planning: %w", inner)

	if got := tessera.ErrorCode(wrapped); got != tessera.EShardNotFound {
		t.Fatalf("ErrorCode() = %q, exp %q", got, tessera.EShardNotFound)
	}
	if got := tessera.ErrorCode(errors.New("plain")); got != tessera.EInternal {
		t.Fatalf("ErrorCode(plain) = %q, exp %q", got, tessera.EInternal)
	}
	if got := tessera.ErrorCode(nil); got != "" {
		t.Fatalf("ErrorCode(nil) = %q, exp empty", got)
	}

	// An uncoded Error defers to the code deeper in the chain.
	outer := &tessera.Error{Op: "query.Plan", Err: inner}
	if got := tessera.ErrorCode(outer); got != tessera.EShardNotFound {
		t.Fatalf("ErrorCode(uncoded outer) = %q, exp %q", got, tessera.EShardNotFound)
	}
}

func TestErrorMessage(t *testing.T) {
	inner := &tessera.Error{Code: tessera.ETransaction, Msg: "txn failed"}
	outer := &tessera.Error{Op: "coordinator.Commit", Err: inner}

	if got := tessera.ErrorMessage(outer); got != "txn failed" {
		t.Fatalf("ErrorMessage() = %q, exp %q", got, "txn failed")
	}
	if got := tessera.ErrorMessage(errors.New("plain")); got != "plain" {
		t.Fatalf("ErrorMessage(plain) = %q", got)
	}
}
