package tessera

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes. Automated handlers branch on these; Msg and Op are for the
// operator reading logs.
const (
	EInternal       = "internal error"
	EConfiguration  = "configuration error"  // invalid registry or binding, fatal, never retried
	EShardNotFound  = "shard not found"      // write key matched no shard and no default exists
	EShardOperation = "shard operation"      // a single shard's read or write failed
	ETransaction    = "transaction"          // cross-shard prepare/commit/rollback failure
	ETimeout        = "timeout"              // query or transaction exceeded its budget
	ERecovery       = "recovery"             // an in-doubt transaction could not be resolved
)

// Error is the engine's structured error.
//
// Code targets automated handling, Msg the operator, and Op/Err chain errors
// into a logical stack trace. Surfaced errors name the offending shard id(s)
// and the phase of failure in Msg.
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		fmt.Fprintf(&b, "%s: ", e.Op)
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else if e.Code != "" {
		b.WriteString(e.Code)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the code of the first *Error in err's chain, or EInternal
// for non-nil errors that carry no code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return ErrorCodeOr(e.Err, EInternal)
	}
	return EInternal
}

// ErrorCodeOr returns the code of err, or def when err is nil or uncoded.
func ErrorCodeOr(err error, def string) string {
	if err == nil {
		return def
	}
	if code := ErrorCode(err); code != "" {
		return code
	}
	return def
}

// ErrorMessage returns the human-readable message of the first *Error in
// err's chain that carries one.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return ErrorMessage(e.Err)
	}
	return err.Error()
}
